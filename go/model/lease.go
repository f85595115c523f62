package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// leaseKey carries the active Lease through a context, making nested Lease
// calls re-entrant: post-processing that re-leases inside an already-leased
// scope receives the same handle instead of deadlocking or double-booking.
type leaseKey struct{}

// Lease is a scoped right to run inference. Holding a lease does not hold the
// accelerator: the hard mutex is acquired only inside Predict, so file I/O
// and CPU work in one lease overlap with another lease's Predict.
type Lease struct {
	g    *Gateway
	refs int
}

// Lease acquires (or re-enters) an inference lease. The returned context
// carries the lease; Release must be called once per successful Lease call,
// and the lease dies when its outermost scope releases it.
func (g *Gateway) Lease(ctx context.Context) (context.Context, *Lease, error) {
	if err := g.EnsureReady(ctx); err != nil {
		return nil, nil, err
	}

	if existing, ok := ctx.Value(leaseKey{}).(*Lease); ok && existing.g == g {
		existing.refs++
		return ctx, existing, nil
	}

	var l = &Lease{g: g, refs: 1}
	activeLeases.Inc()
	return context.WithValue(ctx, leaseKey{}, l), l, nil
}

// Release returns the lease. Only the release matching the outermost Lease
// call actually retires it; nested releases just unwind their re-entry.
func (l *Lease) Release() {
	if l.refs == 0 {
		return
	}
	l.refs--
	if l.refs == 0 {
		activeLeases.Dec()
	}
}

// Predict runs one inference under the hard accelerator mutex. When the
// engine only accepts paths and the request carried in-memory image bytes,
// the call is retried once with the path alone.
func (l *Lease) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	if l.refs == 0 {
		return nil, fmt.Errorf("predict on a released lease: %w", ErrNotReady)
	}
	if err := l.g.EnsureReady(ctx); err != nil {
		return nil, err
	}

	l.g.predictMu.Lock()
	defer l.g.predictMu.Unlock()

	var started = time.Now()
	var resp, err = l.g.engine.Predict(ctx, req)
	if errors.Is(err, ErrPathOnly) && len(req.Image) > 0 && req.ImagePath != "" {
		req.Image = nil
		resp, err = l.g.engine.Predict(ctx, req)
	}
	inferenceSeconds.Observe(time.Since(started).Seconds())

	if err != nil {
		return nil, fmt.Errorf("model predict: %w", err)
	}
	return resp, nil
}
