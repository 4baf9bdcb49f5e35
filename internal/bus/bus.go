// Package bus is the in-process publish/subscribe engine.
//
// Data flow:
//
//	Publish ─▶ every matching subscription's mailbox (FIFO, unbounded)
//	mailbox goroutine ─▶ handler
//	handler error ─▶ retry policy of the envelope's tier
//	               ─▶ store.Persist (HIGH, CRITICAL)
//	               ─▶ scheduler ─▶ same mailbox, Attempts+1
//	retries exhausted ─▶ store.Remove ─▶ delivery.failed (LOW)
//
// Each subscription is drained by its own goroutine, so a slow or failing
// handler never delays another subscriber. Publish enqueues under the bus
// lock, so every subscriber observes envelopes of a topic in publish order.
// Retries are not ordered relative to later publishes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
	"github.com/snehjoshi/svcbus/internal/metrics"
	"github.com/snehjoshi/svcbus/internal/scheduler"
	"github.com/snehjoshi/svcbus/internal/store"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("bus: closed")
	// ErrInvalidTopic is returned for an empty or whitespace topic.
	ErrInvalidTopic = errors.New("bus: invalid topic")
	// ErrInvalidPriority is returned for an envelope outside the four tiers.
	ErrInvalidPriority = errors.New("bus: invalid priority")
)

// Source is the envelope source used for notifications the bus emits itself.
const Source = "bus"

// Handler processes one envelope. A non-nil error, or a panic, is a failed
// delivery and is handled by the retry policy of the envelope's tier.
// Handlers for HIGH and CRITICAL topics must be idempotent: delivery is
// at-least-once.
type Handler func(ctx context.Context, e envelope.Envelope) error

// Option configures a Bus.
type Option func(*Bus)

// WithStore sets the persistence store for HIGH and CRITICAL envelopes.
// Without one, an in-memory store is used. The bus never closes the store.
func WithStore(s store.Store) Option {
	return func(b *Bus) { b.store = s }
}

// WithPolicies replaces the built-in retry table.
func WithPolicies(ps envelope.Policies) Option {
	return func(b *Bus) { b.policies = ps }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Bus) { b.metrics = reg }
}

// WithTracer overrides the tracer used for handler spans. The default is
// the global otel tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// WithRecoveryGrace delays the first retry of envelopes recovered from the
// store by at least d after start-up, giving services time to subscribe
// again. The default is one second.
func WithRecoveryGrace(d time.Duration) Option {
	return func(b *Bus) { b.recoveryGrace = d }
}

// WithClock overrides time.Now for envelope timestamps and retry due times.
// The clock must advance with real time.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus routes envelopes to subscriptions and owns every pending retry.
type Bus struct {
	policies      envelope.Policies
	store         store.Store
	log           *slog.Logger
	metrics       *metrics.Registry
	tracer        trace.Tracer
	recoveryGrace time.Duration
	now           func() time.Time

	sched *scheduler.Scheduler
	ctx   context.Context
	stop  context.CancelFunc

	mu      sync.Mutex
	closed  bool
	topics  map[string][]*Subscription // registration order
	subs    map[string]*Subscription   // by id
	pending map[string]*pendingDelivery

	// storeMu serialises every store write together with the refs
	// bookkeeping, so a Remove can never overtake the Persist it undoes.
	// Lock order: storeMu before mu.
	storeMu sync.Mutex
	refs    map[string]map[string]struct{} // envelope id → pending keys

	wg sync.WaitGroup
}

// New creates a Bus, loads every record from the store and re-arms its
// retry before returning, so no publish is accepted before recovered
// traffic is scheduled.
func New(ctx context.Context, opts ...Option) (*Bus, error) {
	b := &Bus{
		policies:      envelope.DefaultPolicies(),
		log:           slog.Default(),
		recoveryGrace: time.Second,
		now:           time.Now,
		topics:        make(map[string][]*Subscription),
		subs:          make(map[string]*Subscription),
		pending:       make(map[string]*pendingDelivery),
		refs:          make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sched = scheduler.New(scheduler.WithClock(b.now))
	if b.store == nil {
		b.store = store.NewMemory()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("github.com/snehjoshi/svcbus/internal/bus")
	}
	b.log = b.log.With("component", "bus")
	b.ctx, b.stop = context.WithCancel(context.Background())

	if err := b.recover(ctx); err != nil {
		b.stop()
		return nil, err
	}
	b.sched.Start(b.ctx, b.fire)
	return b, nil
}

// Publish routes e to every subscription on topic, or only to those owned by
// e.Destination when it is set. It returns the envelope id, assigning a
// fresh one when e.ID is empty. Publishing to a topic with no subscribers
// is a no-op.
func (b *Bus) Publish(ctx context.Context, topic string, e envelope.Envelope) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", ErrInvalidTopic
	}
	if !e.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(e.Priority))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e = e.Clone()
	e.Topic = topic
	if e.ID == "" {
		id, err := ids.New()
		if err != nil {
			return "", fmt.Errorf("bus: generate id: %w", err)
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	n := 0
	for _, sub := range b.topics[topic] {
		if !sub.accepts(e) {
			continue
		}
		sub.enqueue(delivery{env: e.Clone()})
		n++
	}
	b.mu.Unlock()

	b.metrics.Published(topic, e.Priority.String())
	if n == 0 {
		b.log.Debug("publish without subscribers", "topic", topic, "envelope_id", e.ID)
	}
	return e.ID, nil
}

// Subscribe registers handler for topic on behalf of owner, the service
// name matched against Envelope.Destination.
func (b *Bus) Subscribe(owner, topic string, handler Handler) (*Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	id, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("bus: generate subscription id: %w", err)
	}
	sub := newSubscription(b, id, owner, topic, handler)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.topics[topic] = append(b.topics[topic], sub)
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run()
	b.log.Debug("subscribed", "topic", topic, "subscriber", id, "owner", owner)
	return sub, nil
}

// unsubscribe detaches sub and drops its pending retries. It does not wait
// for an in-flight handler call, so it is safe to call from inside one.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub.id)
	list := b.topics[sub.topic]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.topics, sub.topic)
	} else {
		b.topics[sub.topic] = list
	}
	sub.close()

	var dropped []*pendingDelivery
	for key, pd := range b.pending {
		if pd.sub == sub {
			delete(b.pending, key)
			b.sched.Cancel(key)
			dropped = append(dropped, pd)
		}
	}
	b.updatePendingGauge()
	b.mu.Unlock()

	for _, pd := range dropped {
		b.release(pd)
	}
	if len(dropped) > 0 {
		b.log.Debug("unsubscribe dropped pending retries",
			"topic", sub.topic, "subscriber", sub.id, "count", len(dropped))
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Topics returns every topic with at least one subscription, sorted.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// PendingCount returns the number of deliveries awaiting a retry.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a snapshot of every delivery awaiting a retry, soonest
// first.
func (b *Bus) Pending() []PendingInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingInfo, 0, len(b.pending))
	for key, pd := range b.pending {
		info := PendingInfo{
			Key:        key,
			EnvelopeID: pd.env.ID,
			Topic:      pd.env.Topic,
			Priority:   pd.env.Priority,
			Attempts:   pd.env.Attempts,
			Persisted:  pd.persisted.Load(),
		}
		if pd.sub != nil {
			info.Subscriber = pd.sub.id
		}
		if at, ok := b.sched.DueAt(key); ok {
			info.NextRetryAt = at
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(x, y PendingInfo) int {
		if c := x.NextRetryAt.Compare(y.NextRetryAt); c != 0 {
			return c
		}
		return strings.Compare(x.Key, y.Key)
	})
	return out
}

// Store returns the persistence store the bus writes to.
func (b *Bus) Store() store.Store { return b.store }

// Close stops accepting publishes, stops the retry scheduler and waits for
// every subscription goroutine to exit, or for ctx to expire. HIGH and
// CRITICAL envelopes still queued, or whose handler is cut short, are
// persisted; with the records already in the store they are resumed by the
// next Bus.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	var queued []delivery
	for _, s := range subs {
		queued = append(queued, s.close()...)
	}
	b.mu.Unlock()

	b.sched.Stop()
	b.stop()

	if n := b.persistQueued(queued); n > 0 {
		b.log.Info("persisted undelivered envelopes on close", "count", n)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus: close: %w", ctx.Err())
	}
}

func (b *Bus) updatePendingGauge() {
	b.metrics.SetPending(len(b.pending))
}
