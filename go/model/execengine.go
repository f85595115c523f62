package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/examio/paperflow/go/ops"
	log "github.com/sirupsen/logrus"
)

// ExecConfig configures a long-lived engine subprocess.
type ExecConfig struct {
	// Command and arguments launching the engine, e.g. ["paperflow-ocr-engine"].
	Command []string
	// Device overrides the engine's device selection ("cpu", "cuda", ...).
	Device string
	// GPUID selects the accelerator when Device is a GPU device.
	GPUID int
	// LightTable asks the engine for its lighter table-structure model.
	LightTable bool
	// BatchSize is the default per-request OCR batch size. Zero keeps the
	// engine's own default.
	BatchSize int
	// ReadTimeout bounds the wait for any single engine response. Inference
	// is slow on cold accelerators, so the default is a generous 5m.
	ReadTimeout time.Duration
}

// ExecEngine drives an engine subprocess over line-delimited JSON on stdio:
// one request line in, one response line out, in order. The subprocess stays
// resident between calls so weights load once. Engine stderr is forwarded to
// process logging.
type ExecEngine struct {
	cfg ExecConfig

	mu     sync.Mutex // serializes the request/response protocol
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan execLine
	exited chan struct{}
}

var _ Engine = (*ExecEngine)(nil)

type execLine struct {
	data []byte
	err  error
}

// request is one protocol line to the engine.
type request struct {
	Op         string `json:"op"`
	ImagePath  string `json:"image_path,omitempty"`
	Image      []byte `json:"image,omitempty"` // base64 in JSON
	BatchSize  int    `json:"batch_size,omitempty"`
	Device     string `json:"device,omitempty"`
	GPUID      *int   `json:"gpu_id,omitempty"`
	LightTable bool   `json:"light_table,omitempty"`
}

// response is one protocol line from the engine.
type response struct {
	OK       bool       `json:"ok"`
	Error    string     `json:"error,omitempty"`
	PathOnly bool       `json:"path_only,omitempty"`
	Width    int        `json:"width,omitempty"`
	Height   int        `json:"height,omitempty"`
	Blocks   []RawBlock `json:"blocks,omitempty"`
}

// NewExecEngine validates the config and returns an engine. The subprocess
// is not started until Load.
func NewExecEngine(cfg ExecConfig) (*ExecEngine, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("engine command is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	return &ExecEngine{cfg: cfg}, nil
}

// Load starts the subprocess and drives its load handshake.
func (e *ExecEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil {
		return nil // Already started.
	}

	var cmd = exec.Command(e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Stderr = ops.NewLogForwardWriter("engine stderr", log.InfoLevel)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout: %w", err)
	}

	log.WithField("args", e.cfg.Command).Info("starting model engine")
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.lines = make(chan execLine, 8)
	e.exited = make(chan struct{})

	// Pump stdout lines to waiting requests. Engine responses can be large
	// (a dense page yields hundreds of blocks), so the scanner buffer is
	// raised well above its 64KiB default.
	go func(lines chan<- execLine, exited chan<- struct{}) {
		var scanner = bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)
		for scanner.Scan() {
			var buf = make([]byte, len(scanner.Bytes()))
			copy(buf, scanner.Bytes())
			lines <- execLine{data: buf}
		}
		if err := scanner.Err(); err != nil {
			lines <- execLine{err: err}
		}
		close(exited)
	}(e.lines, e.exited)

	var gpu = e.cfg.GPUID
	var resp, loadErr = e.roundTrip(ctx, request{
		Op:         "load",
		Device:     e.cfg.Device,
		GPUID:      &gpu,
		LightTable: e.cfg.LightTable,
	})
	if loadErr != nil {
		e.kill()
		return fmt.Errorf("engine load: %w", loadErr)
	}
	if !resp.OK {
		e.kill()
		return fmt.Errorf("engine load refused: %s", resp.Error)
	}
	return nil
}

// Predict sends one predict request. The Gateway holds the accelerator mutex
// around this call; the engine-level mutex only keeps the stdio protocol
// framed if a caller bypasses the Gateway.
func (e *ExecEngine) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return nil, fmt.Errorf("engine is not loaded")
	}

	var batch = req.BatchSize
	if batch == 0 {
		batch = e.cfg.BatchSize
	}
	var resp, err = e.roundTrip(ctx, request{
		Op:        "predict",
		ImagePath: req.ImagePath,
		Image:     req.Image,
		BatchSize: batch,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.PathOnly {
			return nil, fmt.Errorf("%s: %w", resp.Error, ErrPathOnly)
		}
		return nil, fmt.Errorf("engine predict: %s", resp.Error)
	}
	return &PredictResponse{Width: resp.Width, Height: resp.Height, Blocks: resp.Blocks}, nil
}

// Close asks the engine to shut down, escalating to SIGTERM when it lingers.
func (e *ExecEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		return nil
	}

	var enc = json.NewEncoder(e.stdin)
	_ = enc.Encode(request{Op: "shutdown"})
	_ = e.stdin.Close()

	select {
	case <-e.exited:
	case <-time.After(10 * time.Second):
		log.Warn("engine did not exit after shutdown request; signaling")
		if err := e.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.WithError(err).Warn("failed to signal engine process")
		}
	}
	var err = e.cmd.Wait()
	e.cmd = nil
	return err
}

// roundTrip writes one request line and awaits one response line, bounded by
// the configured read timeout and the caller's context. Must hold e.mu.
func (e *ExecEngine) roundTrip(ctx context.Context, req request) (*response, error) {
	var line, err = json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding engine request: %w", err)
	}
	if _, err = e.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing to engine: %w", err)
	}

	var timeout = time.NewTimer(e.cfg.ReadTimeout)
	defer timeout.Stop()

	select {
	case got := <-e.lines:
		if got.err != nil {
			return nil, fmt.Errorf("reading engine response: %w", got.err)
		}
		var resp response
		if err = json.Unmarshal(got.data, &resp); err != nil {
			return nil, fmt.Errorf("decoding engine response: %w", err)
		}
		return &resp, nil
	case <-e.exited:
		return nil, fmt.Errorf("engine exited mid-request")
	case <-timeout.C:
		return nil, fmt.Errorf("engine response timed out after %s", e.cfg.ReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// kill tears down a half-started subprocess.
func (e *ExecEngine) kill() {
	_ = e.stdin.Close()
	if err := e.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).WithField("pid", e.cmd.Process.Pid).Debug("failed to signal engine process")
	}
	_ = e.cmd.Wait()
	e.cmd = nil
}

const maxResponseSize = 1 << 24 // 16MB.
