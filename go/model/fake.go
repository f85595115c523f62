package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeEngine is an in-process Engine for tests. Responses are keyed by image
// path; unscripted paths return a single synthetic block so that happy paths
// need no setup. It records call counts and can inject latency and errors.
type FakeEngine struct {
	mu        sync.Mutex
	responses map[string]*PredictResponse

	// LoadErr fails Load when set. LoadDelay stretches Load to let tests
	// race concurrent warmups onto one in-flight load.
	LoadErr   error
	LoadDelay time.Duration
	// PredictErr fails every Predict when set.
	PredictErr error
	// PathOnly rejects requests carrying in-memory image bytes.
	PathOnly bool

	loads     int
	predicts  int
	inflight  int
	maxInflt  int
	closed    bool
	lastBatch int
}

var _ Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an empty fake.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{responses: make(map[string]*PredictResponse)}
}

// Script installs the response for an image path.
func (f *FakeEngine) Script(imagePath string, resp *PredictResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[imagePath] = resp
}

func (f *FakeEngine) Load(ctx context.Context) error {
	f.mu.Lock()
	f.loads++
	var delay, err = f.LoadDelay, f.LoadErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *FakeEngine) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	f.mu.Lock()
	f.predicts++
	f.inflight++
	if f.inflight > f.maxInflt {
		f.maxInflt = f.inflight
	}
	f.lastBatch = req.BatchSize
	var scripted, ok = f.responses[req.ImagePath]
	var pathOnly, injected = f.PathOnly, f.PredictErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if injected != nil {
		return nil, injected
	}
	if pathOnly && len(req.Image) > 0 {
		return nil, fmt.Errorf("in-memory image refused: %w", ErrPathOnly)
	}
	if ok {
		return scripted, nil
	}
	return &PredictResponse{
		Width:  1000,
		Height: 1400,
		Blocks: []RawBlock{{Index: 0, Label: "text", BBox: []float64{10, 10, 990, 40}, Content: "synthetic"}},
	}, nil
}

func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Loads returns how many Load calls ran.
func (f *FakeEngine) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Predicts returns how many Predict calls ran.
func (f *FakeEngine) Predicts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.predicts
}

// MaxConcurrentPredicts reports the peak number of overlapping Predict calls,
// which must stay at 1 whenever every caller predicts through a Lease.
func (f *FakeEngine) MaxConcurrentPredicts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflt
}

// Closed reports whether Close ran.
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
