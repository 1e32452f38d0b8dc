// Package queue implements the in-memory at-least-once message queue of the
// pipeline, with visibility-timeout leases, per-message delivery counting and
// a dead-letter diversion for poison messages, plus the archive sinks.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message is one received queue entry. DeliveryCount includes the current
// delivery, so a first receive observes 1.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
	EnqueuedAt    time.Time
}

type lease struct {
	msg    Message
	expiry time.Time
}

// Options tune a queue's redelivery behavior.
type Options struct {
	// Visibility is how long a received message stays invisible before it
	// becomes eligible for redelivery without an ack.
	Visibility time.Duration
	// MaxDeliveries caps how often a message may be delivered; a message due
	// beyond the cap is diverted to the dead-letter sink instead.
	MaxDeliveries int
}

// Queue is an at-least-once queue. Receive leases a message for the visibility
// window; Delete acks it; Release hands it back for immediate redelivery; an
// expired lease hands it back implicitly.
type Queue struct {
	name string
	opts Options

	mu      sync.Mutex
	backlog []Message
	leases  map[string]lease
	dead    []Message
	notify  chan struct{}

	shuttingDown atomic.Bool
	sent         atomic.Uint64
	acked        atomic.Uint64
	deadlettered atomic.Uint64
}

// New creates a queue with the given options, applying defaults for zero
// values (30s visibility, 5 deliveries).
func New(name string, opts Options) *Queue {
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	return &Queue{
		name:   name,
		opts:   opts,
		leases: make(map[string]lease),
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Send enqueues raw message bytes. It reports false once intake is closed.
func (q *Queue) Send(body []byte) bool {
	if q.shuttingDown.Load() {
		return false
	}
	q.sent.Add(1)
	m := Message{
		ID:         uuid.NewString(),
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.backlog = append(q.backlog, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until it can lease a message or the context is done.
func (q *Queue) Receive(ctx context.Context) (Message, bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m, ok := q.tryReceive(); ok {
			return m, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryReceive() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	q.reclaimExpiredLocked(now)
	for len(q.backlog) > 0 {
		m := q.backlog[0]
		q.backlog = q.backlog[1:]
		m.DeliveryCount++
		if m.DeliveryCount > q.opts.MaxDeliveries {
			q.dead = append(q.dead, m)
			q.deadlettered.Add(1)
			continue
		}
		q.leases[m.ID] = lease{msg: m, expiry: now.Add(q.opts.Visibility)}
		return m, true
	}
	return Message{}, false
}

// reclaimExpiredLocked returns messages with expired leases to the backlog.
// This is the at-least-once mechanism: a worker that crashed mid-protocol
// loses its lease and the message is delivered again.
func (q *Queue) reclaimExpiredLocked(now time.Time) {
	for id, l := range q.leases {
		if now.After(l.expiry) {
			delete(q.leases, id)
			q.backlog = append(q.backlog, l.msg)
		}
	}
}

// Delete acknowledges a leased message, removing it permanently. Deleting a
// message whose lease already expired reports false; the message will be
// delivered again.
func (q *Queue) Delete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[id]; !ok {
		return false
	}
	delete(q.leases, id)
	q.acked.Add(1)
	return true
}

// Release hands a leased message back for immediate redelivery, instead of
// waiting out the visibility window.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	l, ok := q.leases[id]
	if ok {
		delete(q.leases, id)
		q.backlog = append(q.backlog, l.msg)
	}
	q.mu.Unlock()
	if ok {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// DeadLetters returns a snapshot of messages diverted after exceeding the
// delivery cap.
func (q *Queue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// BacklogSize returns the number of messages awaiting delivery.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Depth returns backlog plus currently leased messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) + len(q.leases)
}

// Metrics returns counters and sizes for observability and drain checks.
func (q *Queue) Metrics() (sent, acked, dead uint64, backlog, leased int) {
	q.mu.Lock()
	backlog = len(q.backlog)
	leased = len(q.leases)
	q.mu.Unlock()
	return q.sent.Load(), q.acked.Load(), q.deadlettered.Load(), backlog, leased
}

// CloseIntake disallows future sends.
func (q *Queue) CloseIntake() { q.shuttingDown.Store(true) }

// IsShuttingDown reports whether intake has been closed.
func (q *Queue) IsShuttingDown() bool { return q.shuttingDown.Load() }
