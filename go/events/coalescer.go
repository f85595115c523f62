package events

import (
	"encoding/json"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Coalescer debounces high-frequency progress payloads. Offer merges the new
// payload over any still-pending one (RFC 7396, so the latest fields win) and
// nudges a single drain goroutine through a capacity-1 channel; however fast
// producers offer, at most one publish is in flight and only the newest state
// is ever published. Offer never blocks.
type Coalescer struct {
	mu      sync.Mutex
	pending json.RawMessage

	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	publish func(json.RawMessage)
}

// NewCoalescer starts the drain goroutine around publish.
func NewCoalescer(publish func(json.RawMessage)) *Coalescer {
	var c = &Coalescer{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		publish: publish,
	}
	go c.drain()
	return c
}

// Offer replaces or merges the pending payload and schedules a drain.
func (c *Coalescer) Offer(payload json.RawMessage) {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = payload
	} else if merged, err := jsonpatch.MergePatch(c.pending, payload); err == nil {
		c.pending = merged
	} else {
		c.pending = payload
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Close flushes any pending payload and waits for the drain goroutine to
// exit. Payloads offered after Close may be silently discarded.
func (c *Coalescer) Close() {
	c.once.Do(func() { close(c.done) })
	<-c.stopped
}

func (c *Coalescer) drain() {
	defer close(c.stopped)
	for {
		select {
		case <-c.notify:
			c.flush()
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	var p = c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		c.publish(p)
	}
}
