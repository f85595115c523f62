package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the gateway lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateWarming       State = "warming"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Gateway owns the Engine lifecycle and the process-wide inference mutex.
// Warmup is idempotent and coalescing: however many goroutines ask, the
// engine loads once and everyone awaits that one load.
type Gateway struct {
	engine Engine

	mu       sync.Mutex // guards state fields below
	state    State
	inflight chan struct{} // closed when the in-flight warmup finishes
	lastErr  error
	shutdown bool

	warmupStarted  time.Time
	warmupFinished time.Time

	// predictMu is the hard accelerator mutex. It is held only for the
	// duration of one Engine.Predict call, never across I/O.
	predictMu sync.Mutex
}

// NewGateway wraps an engine. The gateway starts uninitialized; nothing is
// loaded until Warmup or EnsureReady.
func NewGateway(engine Engine) *Gateway {
	return &Gateway{engine: engine, state: StateUninitialized}
}

var (
	sharedMu sync.Mutex
	shared   *Gateway
)

// Shared returns the process-wide gateway, or nil before SetShared.
func Shared() *Gateway {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return shared
}

// SetShared installs the process-wide gateway. It is called once at startup.
func SetShared(gw *Gateway) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = gw
}

// ResetForTest clears the process-wide gateway between tests.
func ResetForTest() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = nil
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastError returns the error of the most recent warmup, if any.
func (g *Gateway) LastError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// Warmup loads the engine and runs one small synthetic inference so lazy
// code paths are already compiled when real pages arrive. Concurrent callers
// coalesce onto a single in-flight load. It reports whether this call
// performed (rather than awaited or skipped) a load. With force, a prior
// failure or prior success is re-warmed.
func (g *Gateway) Warmup(ctx context.Context, force bool) (bool, error) {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return false, ErrShutdown
	}

	switch {
	case g.state == StateReady && !force:
		g.mu.Unlock()
		return false, nil
	case g.state == StateFailed && !force:
		var err = g.lastErr
		g.mu.Unlock()
		return false, fmt.Errorf("%w: %w", ErrNotReady, err)
	case g.state == StateWarming:
		// Coalesce onto the in-flight warmup.
		var done = g.inflight
		g.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return false, g.LastError()
	}

	var done = make(chan struct{})
	g.state = StateWarming
	g.inflight = done
	g.warmupStarted = time.Now()
	g.mu.Unlock()

	log.WithField("force", force).Info("warming up model engine")

	// Engine loads are blocking library calls; run the load on its own
	// goroutine so a context cancellation can abandon the wait. The load
	// itself runs to completion either way and settles the gateway state.
	var loadErr = make(chan error, 1)
	go func() { loadErr <- g.load(ctx) }()

	select {
	case err := <-loadErr:
		g.settle(done, err)
		return err == nil, err
	case <-ctx.Done():
		go func() { g.settle(done, <-loadErr) }()
		return false, ctx.Err()
	}
}

// load runs the engine load plus one synthetic inference.
func (g *Gateway) load(ctx context.Context) error {
	if err := g.engine.Load(ctx); err != nil {
		return fmt.Errorf("loading model engine: %w", err)
	}

	// A synthetic one-pixel inference exercises lazy initialization inside
	// the engine. Engines may not support it; that is not a warmup failure.
	g.predictMu.Lock()
	var _, err = g.engine.Predict(ctx, PredictRequest{ImagePath: "__warmup__"})
	g.predictMu.Unlock()
	if err != nil {
		log.WithError(err).Debug("synthetic warmup inference not supported")
	}
	return nil
}

// settle records the outcome of a warmup and releases its waiters.
func (g *Gateway) settle(done chan struct{}, err error) {
	g.mu.Lock()
	g.lastErr = err
	g.warmupFinished = time.Now()
	var took = g.warmupFinished.Sub(g.warmupStarted)
	if err == nil {
		g.state = StateReady
		warmupCounter.WithLabelValues("ok").Inc()
	} else {
		g.state = StateFailed
		warmupCounter.WithLabelValues("failed").Inc()
	}
	g.inflight = nil
	g.mu.Unlock()
	close(done)

	if err == nil {
		log.WithField("took", took.String()).Info("model engine ready")
	} else {
		log.WithError(err).Error("model engine warmup failed")
	}
}

// EnsureReady awaits the current warmup, or triggers one when the gateway is
// uninitialized. A gateway whose last warmup failed stays failed: the error
// is returned and no new load is attempted without an explicit force.
func (g *Gateway) EnsureReady(ctx context.Context) error {
	g.mu.Lock()
	var state, done, lastErr = g.state, g.inflight, g.lastErr
	var shutdown = g.shutdown
	g.mu.Unlock()

	if shutdown {
		return ErrShutdown
	}

	switch state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrNotReady, lastErr)
	case StateWarming:
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := g.LastError(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotReady, err)
		}
		return nil
	default:
		var _, err = g.Warmup(ctx, false)
		return err
	}
}

// Shutdown closes the engine and fails all future calls. It is idempotent.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	g.state = StateUninitialized
	g.mu.Unlock()

	log.Info("shutting down model engine")
	return g.engine.Close()
}
