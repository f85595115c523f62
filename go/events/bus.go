package events

import (
	"encoding/json"
	"sync"
)

// DefaultQueueCapacity bounds each subscriber queue.
const DefaultQueueCapacity = 1000

// Bus fans live event documents out to per-task subscribers. Delivery is
// best-effort: a publisher never blocks, and a slow subscriber sheds its own
// oldest events without affecting other subscribers.
type Bus struct {
	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	capacity int
}

// NewBus returns a Bus with DefaultQueueCapacity per subscriber.
func NewBus() *Bus { return NewBusWithCapacity(DefaultQueueCapacity) }

// NewBusWithCapacity returns a Bus with the given per-subscriber capacity.
func NewBusWithCapacity(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Bus{
		subs:     make(map[string]map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscription is one subscriber's bounded FIFO queue of live documents.
// The channel is closed by Close, never by the Bus.
type Subscription struct {
	bus    *Bus
	taskID string
	ch     chan json.RawMessage
	closed bool
}

// Subscribe registers a new subscriber for the task.
func (b *Bus) Subscribe(taskID string) *Subscription {
	var sub = &Subscription{
		bus:    b,
		taskID: taskID,
		ch:     make(chan json.RawMessage, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[*Subscription]struct{})
	}
	b.subs[taskID][sub] = struct{}{}
	return sub
}

// C is the subscriber's receive channel.
func (s *Subscription) C() <-chan json.RawMessage { return s.ch }

// Close unregisters the subscription and closes its channel. The task's bus
// entry is released once its last subscriber is gone.
func (s *Subscription) Close() {
	var b = s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	delete(b.subs[s.taskID], s)
	if len(b.subs[s.taskID]) == 0 {
		delete(b.subs, s.taskID)
	}
	close(s.ch)
}

// Publish enqueues the document to every current subscriber of the task.
// On a full queue the subscriber's oldest document is shed and the send is
// retried once; if the queue is still full the new document is dropped and
// counted. Publish never blocks and never fails.
func (b *Bus) Publish(taskID string, doc json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[taskID] {
		sub.offer(doc)
	}
	eventsPublishedCounter.Inc()
}

// SubscriberCount reports the live subscriber count of the task.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

// offer runs under the bus mutex, which also serializes against Close, so a
// send on a closed channel cannot happen.
func (s *Subscription) offer(doc json.RawMessage) {
	select {
	case s.ch <- doc:
		return
	default:
	}

	// Full queue: shed the oldest and retry once.
	select {
	case <-s.ch:
		eventsDroppedCounter.WithLabelValues("shed_oldest").Inc()
	default:
	}
	select {
	case s.ch <- doc:
	default:
		eventsDroppedCounter.WithLabelValues("dropped_new").Inc()
	}
}
