// Package communicator is the per-service façade over the bus: broadcast,
// point-to-point send, subscription and request/response correlation.
//
// Request/response protocol:
//
//	requester                                   responder
//	  Subscribe(_response.<cid>)
//	  Publish(topic, dest, cid, replyTo) ─────▶ handler
//	                                            Respond(req, payload)
//	  handler ◀──── Publish(replyTo, dest=requester, cid)
//	  Unsubscribe(_response.<cid>)
//
// The transient response subscription is removed on every exit path:
// response, timeout and context cancellation.
package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
)

// ResponsePrefix starts every response topic.
const ResponsePrefix = "_response."

// DefaultTimeout applies to Request when no WithTimeout is given.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("communicator: request timed out")
	// ErrNoCorrelationID is returned by Respond for an envelope that is not
	// a request.
	ErrNoCorrelationID = errors.New("communicator: respond without correlation id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("communicator: closed")
)

// TimeoutError reports a request that got no response in time.
type TimeoutError struct {
	CorrelationID string
	Topic         string
	Destination   string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("communicator: request %s to %s on %s timed out after %s",
		e.CorrelationID, e.Destination, e.Topic, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ResponseTopic returns the topic responses for correlationID travel on.
func ResponseTopic(correlationID string) string { return ResponsePrefix + correlationID }

// MessageHandler receives the payload of an envelope together with the
// envelope itself.
type MessageHandler func(ctx context.Context, data json.RawMessage, e envelope.Envelope) error

// Option configures a Communicator.
type Option func(*Communicator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Communicator) { c.log = l }
}

// WithRateLimit caps how many envelopes per second this service may
// publish. Publishing blocks until a token is available or ctx ends. A
// non-positive perSecond disables the limit.
func WithRateLimit(perSecond, burst int) Option {
	return func(c *Communicator) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = perSecond
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithDefaultTimeout changes the Request timeout used when a call gives
// none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Communicator) { c.timeout = d }
}

// Communicator sends and receives on behalf of one named service.
type Communicator struct {
	name    string
	bus     *bus.Bus
	log     *slog.Logger
	limiter *rate.Limiter
	timeout time.Duration

	mu     sync.Mutex
	subs   map[string]*bus.Subscription
	closed bool
}

// New returns a Communicator for service name on b.
func New(name string, b *bus.Bus, opts ...Option) *Communicator {
	c := &Communicator{
		name:    name,
		bus:     b,
		log:     slog.Default(),
		timeout: DefaultTimeout,
		subs:    make(map[string]*bus.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("service", name)
	return c
}

// Name returns the service name used as envelope source.
func (c *Communicator) Name() string { return c.name }

// Bus returns the underlying bus.
func (c *Communicator) Bus() *bus.Bus { return c.bus }

// ─── send options ─────────────────────────────────────────────────────────────

type sendOptions struct {
	priority envelope.Priority
	metadata map[string]string
	timeout  time.Duration
}

// SendOption customises one send, broadcast, request or response.
type SendOption func(*sendOptions)

// WithPriority sets the delivery tier. The default is NORMAL.
func WithPriority(p envelope.Priority) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithMetadata attaches headers to the envelope.
func WithMetadata(md map[string]string) SendOption {
	return func(o *sendOptions) { o.metadata = md }
}

// WithTimeout bounds how long Request waits for a response.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

func collect(opts []SendOption) sendOptions {
	o := sendOptions{priority: envelope.Normal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ─── sending ──────────────────────────────────────────────────────────────────

// Broadcast publishes data on topic to every subscriber.
func (c *Communicator) Broadcast(ctx context.Context, topic string, data any, opts ...SendOption) (string, error) {
	return c.publish(ctx, topic, data, collect(opts))
}

// SendToService publishes data on topic to the subscriptions owned by
// destination only.
func (c *Communicator) SendToService(ctx context.Context, destination, topic string, data any, opts ...SendOption) (string, error) {
	if destination == "" {
		return "", errors.New("communicator: empty destination")
	}
	return c.publish(ctx, topic, data, collect(opts), envelope.WithDestination(destination))
}

func (c *Communicator) publish(ctx context.Context, topic string, data any, o sendOptions, extra ...envelope.Option) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("communicator: rate limit: %w", err)
		}
	}
	eopts := append([]envelope.Option{
		envelope.WithPriority(o.priority),
		envelope.WithMetadata(o.metadata),
	}, extra...)
	e, err := envelope.New(topic, c.name, data, eopts...)
	if err != nil {
		return "", err
	}
	return c.bus.Publish(ctx, topic, e)
}

// ─── receiving ────────────────────────────────────────────────────────────────

// OnMessage subscribes h to topic. The subscription is owned by this
// service, so envelopes addressed to other services are not delivered.
func (c *Communicator) OnMessage(topic string, h MessageHandler) (*bus.Subscription, error) {
	return c.subscribe(topic, func(ctx context.Context, e envelope.Envelope) error {
		return h(ctx, e.Payload, e)
	})
}

// OnTyped subscribes a handler that receives the payload decoded into T. A
// payload that does not decode is a failed delivery.
func OnTyped[T any](c *Communicator, topic string, h func(ctx context.Context, v T, e envelope.Envelope) error) (*bus.Subscription, error) {
	return c.subscribe(topic, func(ctx context.Context, e envelope.Envelope) error {
		v, err := envelope.Decode[T](e)
		if err != nil {
			return fmt.Errorf("communicator: decode %s payload: %w", e.Topic, err)
		}
		return h(ctx, v, e)
	})
}

func (c *Communicator) subscribe(topic string, h bus.Handler) (*bus.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub, err := c.bus.Subscribe(c.name, topic, h)
	if err != nil {
		return nil, err
	}
	c.subs[sub.ID()] = sub
	return sub, nil
}

// Unsubscribe removes a subscription made through this communicator.
func (c *Communicator) Unsubscribe(sub *bus.Subscription) {
	c.mu.Lock()
	delete(c.subs, sub.ID())
	c.mu.Unlock()
	sub.Unsubscribe()
}

// ─── request / response ───────────────────────────────────────────────────────

// Request sends data to destination on topic and waits for the matching
// response. It fails with a *TimeoutError once the timeout elapses, or with
// ctx.Err() if ctx ends first.
func (c *Communicator) Request(ctx context.Context, destination, topic string, data any, opts ...SendOption) (envelope.Envelope, error) {
	o := collect(opts)
	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	cid, err := ids.New()
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("communicator: correlation id: %w", err)
	}
	replyTo := ResponseTopic(cid)

	responses := make(chan envelope.Envelope, 1)
	sub, err := c.subscribe(replyTo, func(_ context.Context, e envelope.Envelope) error {
		if e.CorrelationID != cid {
			return nil
		}
		select {
		case responses <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer c.Unsubscribe(sub)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if _, err := c.publish(ctx, topic, data, o,
		envelope.WithDestination(destination),
		envelope.WithCorrelationID(cid),
		envelope.WithReplyTo(replyTo),
	); err != nil {
		return envelope.Envelope{}, err
	}

	select {
	case e := <-responses:
		return e, nil
	case <-timer.C:
		c.log.Debug("request timed out",
			"topic", topic, "destination", destination, "correlation_id", cid, "timeout", timeout)
		return envelope.Envelope{}, &TimeoutError{
			CorrelationID: cid,
			Topic:         topic,
			Destination:   destination,
			Timeout:       timeout,
		}
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

// RequestInto is Request with the response payload decoded into T.
func RequestInto[T any](ctx context.Context, c *Communicator, destination, topic string, data any, opts ...SendOption) (T, error) {
	var zero T
	e, err := c.Request(ctx, destination, topic, data, opts...)
	if err != nil {
		return zero, err
	}
	v, err := envelope.Decode[T](e)
	if err != nil {
		return zero, fmt.Errorf("communicator: decode response: %w", err)
	}
	return v, nil
}

// Respond answers request with payload. The correlation id is taken from
// the envelope, or from a "correlationId" field of its payload. A request
// without one is a programming error: it is logged and ErrNoCorrelationID is
// returned.
func (c *Communicator) Respond(ctx context.Context, request envelope.Envelope, payload any, opts ...SendOption) (string, error) {
	cid := correlationID(request)
	if cid == "" {
		c.log.Error("respond called without correlation id",
			"topic", request.Topic, "envelope_id", request.ID, "source", request.Source)
		return "", ErrNoCorrelationID
	}
	topic := request.ReplyTo
	if topic == "" {
		topic = ResponseTopic(cid)
	}
	o := collect(opts)
	return c.publish(ctx, topic, payload, o,
		envelope.WithDestination(request.Source),
		envelope.WithCorrelationID(cid),
	)
}

func correlationID(e envelope.Envelope) string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	if len(e.Payload) == 0 {
		return ""
	}
	var probe struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := envelope.Unmarshal(e.Payload, &probe); err != nil {
		return ""
	}
	return probe.CorrelationID
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

// Close removes every subscription made through this communicator.
func (c *Communicator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (c *Communicator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
