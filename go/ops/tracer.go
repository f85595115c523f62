package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Tracer appends performance spans as JSONL records. A nil Tracer is valid
// and records nothing, so call sites never need to branch on configuration.
type Tracer struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// span is the persisted record shape.
type span struct {
	Timestamp time.Time              `json:"ts"`
	Name      string                 `json:"name"`
	Millis    float64                `json:"ms"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// NewTracer opens (appending) the JSONL sink at path.
func NewTracer(path string) (*Tracer, error) {
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening trace sink %q: %w", path, err)
	}
	log.WithField("path", path).Info("performance tracing enabled")
	return &Tracer{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Span begins a span and returns its completion function. Typical use:
//
//	defer tracer.Span("predict", ops.Fields{"page": id})()
func (t *Tracer) Span(name string, fields map[string]interface{}) func() {
	if t == nil {
		return func() {}
	}
	var started = time.Now()
	return func() { t.Record(name, time.Since(started), fields) }
}

// Record appends one completed span.
func (t *Tracer) Record(name string, took time.Duration, fields map[string]interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var err = t.enc.Encode(span{
		Timestamp: time.Now().UTC(),
		Name:      name,
		Millis:    float64(took.Microseconds()) / 1000.0,
		Fields:    fields,
	})
	if err != nil {
		log.WithError(err).WithField("span", name).Warn("failed to record trace span")
	}
}

// Close flushes and closes the sink. Closing a nil Tracer is a no-op.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

// Fields is sugar for span field maps.
type Fields = map[string]interface{}
