// Package ops holds operational document shapes and sinks: the canonical
// task log document rendered to observers, a writer which forwards engine
// subprocess output into process logging, and a JSONL performance tracer.
package ops

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the canonical shape of one task log document as observers see it.
type Log struct {
	Timestamp time.Time       `json:"ts"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// NewLog builds a Log document at the current time. Fields must be pairs of
// a string key followed by a JSON-encodable value; it panics otherwise, since
// mismatched fields are an implementation error and never input data.
func NewLog(level, message string, fields ...interface{}) Log {
	var doc = Log{Timestamp: time.Now().UTC(), Level: level, Message: message}
	if len(fields) == 0 {
		return doc
	}
	if len(fields)%2 != 0 {
		panic("log fields must be key/value pairs")
	}

	var m = make(map[string]interface{}, len(fields)/2)
	for i := 0; i != len(fields); i += 2 {
		var key = fields[i].(string)
		var value = fields[i+1]
		// Errors typically marshal as '{}'; cast to their displayed string.
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		m[key] = value
	}
	var encoded, err = json.Marshal(m)
	if err != nil {
		panic(err)
	}
	doc.Fields = encoded
	return doc
}

// NewLogForwardWriter returns an io.Writer which forwards newline-delimited
// subprocess output into process logging. Lines which parse as canonical Log
// documents keep their own level and fields; anything else is forwarded
// verbatim at the fallback level. Malformed or oversized input is logged and
// swallowed, never an error: this writer backs streams (engine stderr) whose
// failure must not cancel the work producing them.
func NewLogForwardWriter(source string, fallback logrus.Level) io.Writer {
	return &forwardWriter{source: source, fallback: fallback}
}

type forwardWriter struct {
	source   string
	fallback logrus.Level
	rem      []byte
}

func (w *forwardWriter) Write(p []byte) (int, error) {
	var n = len(p)

	var idx = bytes.IndexByte(p, '\n')
	for idx >= 0 {
		var line = p[:idx]
		if len(w.rem) > 0 {
			line = append(w.rem, line...)
		}
		w.forward(line)

		p = p[idx+1:]
		w.rem = w.rem[:0]
		idx = bytes.IndexByte(p, '\n')
	}

	if len(w.rem)+len(p) > maxLogLine {
		logrus.WithFields(logrus.Fields{
			"source": w.source,
			"length": len(w.rem) + len(p),
		}).Error("subprocess log line is too long (discarding)")
		w.rem = w.rem[:0]
	} else if len(p) > 0 {
		// Preserve the remainder; a later Write carries its newline.
		w.rem = append(w.rem, p...)
	}
	return n, nil
}

func (w *forwardWriter) forward(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var doc Log
	if err := json.Unmarshal(line, &doc); err == nil && doc.Message != "" {
		var fields = logrus.Fields{"source": w.source}
		if len(doc.Fields) > 0 {
			var m map[string]interface{}
			if json.Unmarshal(doc.Fields, &m) == nil {
				for k, v := range m {
					fields[k] = v
				}
			}
		}
		logrus.WithFields(fields).Log(levelOf(doc.Level, w.fallback), doc.Message)
		return
	}
	logrus.WithField("source", w.source).Log(w.fallback, string(line))
}

func levelOf(s string, fallback logrus.Level) logrus.Level {
	switch s {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return fallback
	}
}

// maxLogLine bounds any single line we will buffer while waiting for its
// newline. Longer sequences are broken up and forwarded in chunks.
const maxLogLine = 1 << 20 // 1MB.
