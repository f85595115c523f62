// Package queue is an in-process lease queue feeding the serve loop. Items
// are claimed under a time-bounded lease and completed with a token-guarded
// ack, so a worker that dies mid-task loses its lease and the item returns to
// the queue instead of vanishing. Leases are advisory: the clock is plain
// wall time and skew tolerance is not attempted.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultLeaseSeconds bounds a claim when the caller passes none.
const DefaultLeaseSeconds = 60

// DefaultRetryDelay is the nack requeue delay when the caller passes none.
const DefaultRetryDelay = 5 * time.Second

// Item is one queued unit of work. The zero Attempt is the first try; every
// lease expiry or nack increments it.
type Item struct {
	ID      string
	TaskID  string
	Payload map[string]string
	Attempt int
	// WorkerID and LeaseToken are set while the item is claimed.
	WorkerID   string
	LeaseToken string

	readyAt    time.Time
	leaseUntil time.Time
}

// Queue is a FIFO with delayed retry. Safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	now       func() time.Time
	available []*Item
	delayed   []*Item
	inflight  map[string]*Item
}

// New returns an empty queue on the wall clock.
func New() *Queue {
	return &Queue{
		now:      time.Now,
		inflight: make(map[string]*Item),
	}
}

// Enqueue appends a new item for the task and returns a snapshot of it.
func (q *Queue) Enqueue(taskID string, payload map[string]string) Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it = &Item{ID: uuid.NewString(), TaskID: taskID, Payload: payload}
	q.available = append(q.available, it)
	queueDepth.Inc()
	return *it
}

// Claim hands out up to limit items under a lease of leaseSeconds. Before
// claiming it promotes delayed items whose ready time has passed and
// re-enqueues in-flight items whose lease has expired, incrementing their
// attempt. Every claim carries a fresh lease token; completion calls must
// present it.
func (q *Queue) Claim(workerID string, leaseSeconds, limit int) []Item {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	if limit <= 0 {
		limit = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var now = q.now()
	q.promote(now)

	var claimed []Item
	for len(claimed) < limit && len(q.available) > 0 {
		var it = q.available[0]
		q.available = q.available[1:]

		it.WorkerID = workerID
		it.LeaseToken = uuid.NewString()
		it.leaseUntil = now.Add(time.Duration(leaseSeconds) * time.Second)
		q.inflight[it.ID] = it
		claimed = append(claimed, *it)
	}
	if len(claimed) > 0 {
		itemsClaimed.Add(float64(len(claimed)))
	}
	return claimed
}

// promote moves ready delayed items to the tail and reclaims expired leases.
// Callers hold the lock.
func (q *Queue) promote(now time.Time) {
	var still []*Item
	for _, it := range q.delayed {
		if it.readyAt.After(now) {
			still = append(still, it)
			continue
		}
		q.available = append(q.available, it)
	}
	q.delayed = still

	for id, it := range q.inflight {
		if it.leaseUntil.After(now) {
			continue
		}
		delete(q.inflight, id)
		it.WorkerID = ""
		it.LeaseToken = ""
		it.Attempt++
		q.available = append(q.available, it)
		leasesExpired.Inc()
		log.WithFields(log.Fields{
			"item":    it.ID,
			"task":    it.TaskID,
			"attempt": it.Attempt,
		}).Warn("queue: lease expired, item re-enqueued")
	}
}

// Ack completes a claimed item. It returns false when the item is not in
// flight or the token is stale (the lease expired and someone else may hold
// the item now); a stale ack removes nothing.
func (q *Queue) Ack(itemID, leaseToken string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it, ok = q.inflight[itemID]
	if !ok || it.LeaseToken != leaseToken {
		return false
	}
	delete(q.inflight, itemID)
	queueDepth.Dec()
	return true
}

// Nack returns a claimed item to the queue after retryIn, under a new id and
// with its attempt incremented. The same token check as Ack applies.
func (q *Queue) Nack(itemID, leaseToken string, retryIn time.Duration) bool {
	if retryIn <= 0 {
		retryIn = DefaultRetryDelay
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var it, ok = q.inflight[itemID]
	if !ok || it.LeaseToken != leaseToken {
		return false
	}
	delete(q.inflight, itemID)

	it.ID = uuid.NewString()
	it.WorkerID = ""
	it.LeaseToken = ""
	it.Attempt++
	it.readyAt = q.now().Add(retryIn)
	q.delayed = append(q.delayed, it)
	return true
}

// Size counts every live item: available, delayed, and in flight.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.available) + len(q.delayed) + len(q.inflight)
}

// PendingCount counts the items awaiting a claim, delayed ones included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.available) + len(q.delayed)
}
