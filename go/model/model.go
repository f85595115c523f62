// Package model fronts the external OCR layout-analysis engine. A process
// holds one Gateway over one Engine: the Gateway owns warmup and shutdown of
// the engine, and serializes accelerator access so that exactly one Predict
// runs at a time while CPU-side work in other leases proceeds concurrently.
package model

import (
	"context"
	"errors"
)

// RawBlock is one layout block as produced by the engine, prior to
// normalization. BBox is nil when the engine produced no box.
type RawBlock struct {
	Index       int       `json:"index"`
	Label       string    `json:"label"`
	RegionLabel string    `json:"region_label,omitempty"`
	BBox        []float64 `json:"bbox,omitempty"`
	Content     string    `json:"content"`
}

// PredictRequest asks the engine for the layout blocks of one page image.
// Image carries in-memory PNG bytes when the caller already decoded the file;
// engines which only accept paths reject it with ErrPathOnly and the caller
// retries with ImagePath alone.
type PredictRequest struct {
	ImagePath string `json:"image_path"`
	Image     []byte `json:"image,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// PredictResponse is the engine's layout analysis of one page image.
type PredictResponse struct {
	Width  int        `json:"width"`
	Height int        `json:"height"`
	Blocks []RawBlock `json:"blocks"`
}

// Engine is the external OCR pipeline. Load is expected to be slow (model
// weights); Predict is expected to hold the accelerator. Engines need not be
// safe for concurrent Predict calls: the Gateway serializes them.
type Engine interface {
	Load(ctx context.Context) error
	Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error)
	Close() error
}

// ErrPathOnly is returned by an Engine whose Predict cannot accept in-memory
// image bytes. Callers retry once with only the image path.
var ErrPathOnly = errors.New("engine accepts image paths only")

// ErrNotReady is returned when the gateway is asked for inference before a
// successful warmup, or after its last warmup failed.
var ErrNotReady = errors.New("model gateway is not ready")

// ErrShutdown is returned once the gateway has been shut down.
var ErrShutdown = errors.New("model gateway is shut down")
