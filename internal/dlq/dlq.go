// Package dlq keeps a bounded, in-memory record of deliveries the bus gave
// up on.
//
// The bus announces every abandoned delivery on the delivery.failed topic.
// A Recorder subscribes to that topic and retains the most recent entries:
//
//   - List:  read (but don't remove) the newest N entries.
//   - Drain: remove and return the oldest N entries.
//   - Len:   number of retained entries.
//
// Entries are lost on restart. The persistent side of the bus only keeps
// deliveries that are still being retried.
package dlq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/envelope"
)

// DefaultCapacity is the number of entries kept when no capacity is given.
const DefaultCapacity = 1000

// Entry is one abandoned delivery.
type Entry struct {
	envelope.DeliveryFailed
	ReceivedAt time.Time `json:"receivedAt"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithCapacity bounds the number of retained entries. Values below one are
// ignored.
func WithCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// Recorder retains the newest delivery.failed notifications, oldest first.
type Recorder struct {
	comm     *communicator.Communicator
	log      *slog.Logger
	now      func() time.Time
	capacity int

	mu      sync.Mutex
	entries []Entry
	dropped int

	sub *bus.Subscription
}

// New subscribes a Recorder to delivery.failed through comm.
func New(comm *communicator.Communicator, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		comm:     comm,
		log:      slog.Default(),
		now:      time.Now,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "dlq")

	sub, err := communicator.OnTyped(comm, envelope.TopicDeliveryFailed, r.record)
	if err != nil {
		return nil, err
	}
	r.sub = sub
	return r, nil
}

func (r *Recorder) record(_ context.Context, f envelope.DeliveryFailed, _ envelope.Envelope) error {
	r.log.Warn("delivery abandoned",
		"envelope_id", f.EnvelopeID, "topic", f.Topic, "priority", f.Priority.String(),
		"attempts", f.Attempts, "reason", f.Reason, "subscriber", f.Subscriber)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{DeliveryFailed: f, ReceivedAt: r.now().UTC()})
	if over := len(r.entries) - r.capacity; over > 0 {
		clear(r.entries[:over])
		r.entries = r.entries[over:]
		r.dropped += over
	}
	return nil
}

// List returns up to limit of the newest entries, oldest first. A limit of
// zero or less returns every entry.
func (r *Recorder) List(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(r.entries) {
		start = len(r.entries) - limit
	}
	return append([]Entry(nil), r.entries[start:]...)
}

// Drain removes and returns up to limit of the oldest entries. A limit of
// zero or less drains everything.
func (r *Recorder) Drain(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := append([]Entry(nil), r.entries[:n]...)
	clear(r.entries[:n])
	r.entries = r.entries[n:]
	return out
}

// Len returns the number of retained entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dropped returns how many entries were evicted to respect the capacity.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops recording. Retained entries stay readable.
func (r *Recorder) Close() {
	if r.sub != nil {
		r.comm.Unsubscribe(r.sub)
	}
}
