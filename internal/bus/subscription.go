package bus

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snehjoshi/svcbus/internal/envelope"
)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("bus: handler panicked")

// delivery is one mailbox entry. pd is nil on the first attempt.
type delivery struct {
	env envelope.Envelope
	pd  *pendingDelivery
}

// Subscription is a (topic, handler) binding owned by one service.
type Subscription struct {
	id      string
	owner   string
	topic   string
	handler Handler
	bus     *Bus

	mu      sync.Mutex
	queue   []delivery
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

func newSubscription(b *Bus, id, owner, topic string, h Handler) *Subscription {
	return &Subscription{
		id:      id,
		owner:   owner,
		topic:   topic,
		handler: h,
		bus:     b,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Owner returns the owning service name.
func (s *Subscription) Owner() string { return s.owner }

// Unsubscribe stops delivery to the handler, including queued envelopes and
// retries that have not fired yet. It is idempotent.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s) }

// accepts reports whether e is addressed to this subscription.
func (s *Subscription) accepts(e envelope.Envelope) bool {
	return e.IsBroadcast() || e.Destination == s.owner
}

func (s *Subscription) enqueue(d delivery) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// close stops the subscription and returns the deliveries still queued.
func (s *Subscription) close() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	queued := s.queue
	s.queue = nil
	close(s.done)
	return queued
}

// next pops the oldest queued delivery.
func (s *Subscription) next() (delivery, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return delivery{}, false, true
	}
	if len(s.queue) == 0 {
		return delivery{}, false, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true, false
}

func (s *Subscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// run drains the mailbox until the subscription is closed.
func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for {
		d, ok, stopped := s.next()
		if stopped {
			return
		}
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		err := s.invoke(d.env)
		s.bus.settle(s, d, err)
	}
}

// invoke calls the handler inside a consumer span and converts a panic into
// an error.
func (s *Subscription) invoke(e envelope.Envelope) (err error) {
	b := s.bus
	ctx, span := b.tracer.Start(b.ctx, "svcbus.deliver "+e.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "svcbus"),
			attribute.String("messaging.destination.name", e.Topic),
			attribute.String("messaging.message.id", e.ID),
			attribute.String("svcbus.priority", e.Priority.String()),
			attribute.String("svcbus.subscriber", s.id),
			attribute.Int("svcbus.attempts", e.Attempts),
		),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			b.log.Warn("handler panic recovered",
				"topic", e.Topic, "envelope_id", e.ID, "subscriber", s.id,
				"panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		b.metrics.Delivered(e.Topic, err == nil, time.Since(start))
	}()
	return s.handler(ctx, e)
}

// Done is closed once the subscription stops receiving deliveries.
func (s *Subscription) Done() <-chan struct{} { return s.done }
