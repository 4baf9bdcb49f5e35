// Package broker is the central orchestrator for svcbus.
//
// Every outer surface (HTTP handlers, WebSocket taps, the CLI) talks to the
// Broker, never directly to the store or the bus internals.
//
// Wiring:
//
//	config ─▶ store backend (bolt | redis | postgres | memory)
//	       ─▶ bus (retry policies, metrics, recovery)
//	       ─▶ registry (service.* topics, sweep loop)
//	       ─▶ dlq recorder (delivery.failed)
//	       ─▶ webhook manager
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/config"
	"github.com/snehjoshi/svcbus/internal/consumer"
	"github.com/snehjoshi/svcbus/internal/dlq"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
	"github.com/snehjoshi/svcbus/internal/metrics"
	"github.com/snehjoshi/svcbus/internal/registry"
	"github.com/snehjoshi/svcbus/internal/store"
	"github.com/snehjoshi/svcbus/internal/store/bolt"
	"github.com/snehjoshi/svcbus/internal/store/postgres"
	"github.com/snehjoshi/svcbus/internal/store/redis"
)

// ─── Request / Response types ─────────────────────────────────────────────────

// PublishRequest carries everything needed to publish one envelope on
// behalf of a producer.
type PublishRequest struct {
	Topic       string
	Source      string
	Destination string // "" = broadcast
	Priority    envelope.Priority
	Payload     []byte // JSON; nil publishes an empty payload
	Metadata    map[string]string
}

// PublishResponse is returned after a successful Publish.
type PublishResponse struct {
	EnvelopeID string `json:"envelopeId"`
}

// Stats is a lightweight snapshot of broker-wide state.
type Stats struct {
	Instance         string        `json:"instance"`
	Node             string        `json:"node"`
	Backend          string        `json:"backend"`
	Uptime           time.Duration `json:"uptime"`
	Topics           int           `json:"topics"`
	Pending          int           `json:"pending"`
	ActiveServices   int           `json:"activeServices"`
	InactiveServices int           `json:"inactiveServices"`
	DeadLetters      int           `json:"deadLetters"`
	Webhooks         int           `json:"webhooks"`
}

// ErrInvalidRequest wraps publish requests rejected before reaching the bus.
var ErrInvalidRequest = errors.New("broker: invalid request")

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry to every component.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithStore uses s instead of opening the configured backend. The broker
// does not close a store it was given.
func WithStore(s store.Store) Option {
	return func(b *Broker) { b.store = s }
}

// WithBusOptions appends options to the ones derived from the config.
func WithBusOptions(opts ...bus.Option) Option {
	return func(b *Broker) { b.busOpts = append(b.busOpts, opts...) }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the store, bus, registry, dead-letter recorder and webhooks
// into a single façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg      *config.Config
	instance string
	started  time.Time
	log      *slog.Logger

	metrics   *metrics.Registry
	store     store.Store
	ownsStore bool
	busOpts   []bus.Option

	bus      *bus.Bus
	self     *communicator.Communicator
	registry *registry.Registry
	dlq      *dlq.Recorder
	webhooks *consumer.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// producers caches one communicator per source so each gets its own
	// rate limiter.
	mu        sync.Mutex
	producers map[string]*communicator.Communicator
	closed    bool
}

// New opens the configured store, recovers its pending deliveries into a
// fresh bus and starts the registry sweep loop.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:       cfg,
		started:   time.Now(),
		log:       slog.Default(),
		producers: make(map[string]*communicator.Communicator),
	}
	for _, opt := range opts {
		opt(b)
	}

	instance, err := ids.Instance(cfg.Node.DataDir, "")
	if err != nil {
		return nil, err
	}
	b.instance = instance
	b.log = b.log.With("instance", instance)

	if b.store == nil {
		s, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.store, b.ownsStore = s, true
	}

	busOpts := append([]bus.Option{
		bus.WithStore(b.store),
		bus.WithPolicies(cfg.Policies()),
		bus.WithLogger(b.log),
		bus.WithMetrics(b.metrics),
	}, b.busOpts...)
	if b.bus, err = bus.New(ctx, busOpts...); err != nil {
		b.closeStore()
		return nil, err
	}

	b.self = communicator.New(nodeName(cfg.Node.Name, instance), b.bus, communicator.WithLogger(b.log))
	fb := cfg.Registry.Fallback
	b.registry, err = registry.New(b.self,
		registry.WithLogger(b.log),
		registry.WithMetrics(b.metrics),
		registry.WithInactivityWindow(cfg.Registry.InactivityWindow),
		registry.WithSweepInterval(cfg.Registry.SweepInterval),
		registry.WithHealthCheckTimeout(cfg.Registry.HealthCheckTimeout),
		registry.WithFallback(registry.Fallback{
			Enabled:  fb.Enabled,
			Host:     fb.Host,
			BasePort: fb.BasePort,
			Defaults: fb.Defaults,
			Order:    fb.Order,
		}),
	)
	if err != nil {
		b.abort()
		return nil, fmt.Errorf("broker: start registry: %w", err)
	}
	if b.dlq, err = dlq.New(b.self, dlq.WithLogger(b.log)); err != nil {
		b.abort()
		return nil, fmt.Errorf("broker: start dead-letter recorder: %w", err)
	}
	b.webhooks = consumer.NewManager(b.bus, consumer.WithLogger(b.log))

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.registry.Run(runCtx)
	}()

	b.log.Info("broker started",
		"node", b.self.Name(),
		"backend", string(cfg.Persistence.Backend),
		"recovered", b.bus.PendingCount())
	return b, nil
}

// nodeName resolves the configured node name, deriving one from the
// instance id for "auto".
func nodeName(name, instance string) string {
	if name != "" && name != "auto" {
		return name
	}
	return "svcbus-" + strings.ToLower(instance[len(instance)-6:])
}

// OpenStore opens the persistence backend cfg selects. The caller owns the
// returned store.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	p := cfg.Persistence
	switch p.Backend {
	case config.BackendBolt:
		return bolt.Open(cfg.BoltPath())
	case config.BackendRedis:
		return redis.Open(ctx, redis.Config{
			Addr:     p.Redis.Addr,
			Password: p.Redis.Password,
			DB:       p.Redis.DB,
			Key:      p.Redis.Key,
		})
	case config.BackendPostgres:
		return postgres.Open(ctx, p.Postgres.DSN, p.Postgres.Table)
	case config.BackendMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("broker: unknown persistence backend %q", p.Backend)
	}
}

// abort tears down a partially constructed broker.
func (b *Broker) abort() {
	if b.registry != nil {
		b.registry.Close()
	}
	if b.self != nil {
		b.self.Close()
	}
	_ = b.bus.Close(context.Background())
	b.closeStore()
}

func (b *Broker) closeStore() {
	if !b.ownsStore {
		return
	}
	if err := b.store.Close(); err != nil {
		b.log.Warn("close store", "err", err)
	}
}

// Close stops the sweep loop, detaches every component and waits for the
// bus to drain, or for ctx to expire. Persisted deliveries stay in the store.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	producers := b.producers
	b.producers = nil
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.webhooks.Close()
	b.dlq.Close()
	b.registry.Close()
	for _, c := range producers {
		c.Close()
	}
	b.self.Close()

	err := b.bus.Close(ctx)
	b.closeStore()
	b.log.Info("broker stopped")
	return err
}

// ─── Accessors ────────────────────────────────────────────────────────────────

func (b *Broker) Config() *config.Config       { return b.cfg }
func (b *Broker) Bus() *bus.Bus                { return b.bus }
func (b *Broker) Registry() *registry.Registry { return b.registry }
func (b *Broker) DeadLetters() *dlq.Recorder   { return b.dlq }
func (b *Broker) Webhooks() *consumer.Manager  { return b.webhooks }
func (b *Broker) Metrics() *metrics.Registry   { return b.metrics }

// Instance returns the persistent instance id of this node.
func (b *Broker) Instance() string { return b.instance }

// Self returns the communicator the broker uses for its own traffic.
func (b *Broker) Self() *communicator.Communicator { return b.self }

// Producer returns the communicator publishing on behalf of source, with
// the configured per-producer rate limit.
func (b *Broker) Producer(source string) (*communicator.Communicator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if c, ok := b.producers[source]; ok {
		return c, nil
	}
	c := communicator.New(source, b.bus,
		communicator.WithLogger(b.log),
		communicator.WithRateLimit(b.cfg.Producers.MaxRate, b.cfg.Producers.Burst),
	)
	b.producers[source] = c
	return c, nil
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// Publish routes one envelope through the producer's communicator, so the
// producer's rate limit applies.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if strings.HasPrefix(req.Topic, communicator.ResponsePrefix) {
		return nil, fmt.Errorf("%w: %s topics are reserved", ErrInvalidRequest, communicator.ResponsePrefix)
	}
	payload, err := publishPayload(req.Topic, req.Payload)
	if err != nil {
		return nil, err
	}

	c, err := b.Producer(req.Source)
	if err != nil {
		return nil, err
	}
	opts := []communicator.SendOption{communicator.WithPriority(req.Priority)}
	if len(req.Metadata) > 0 {
		opts = append(opts, communicator.WithMetadata(req.Metadata))
	}

	var id string
	if req.Destination == "" {
		id, err = c.Broadcast(ctx, req.Topic, payload, opts...)
	} else {
		id, err = c.SendToService(ctx, req.Destination, req.Topic, payload, opts...)
	}
	if err != nil {
		return nil, err
	}
	return &PublishResponse{EnvelopeID: id}, nil
}

// publishPayload validates an external payload. Well-known service topics
// must decode into their schema type and are re-encoded from it, so
// subscribers always see the canonical field set.
func publishPayload(topic string, raw []byte) (any, error) {
	if len(raw) > 0 && !envelope.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	if !envelope.HasSchema(topic) {
		if len(raw) == 0 {
			return nil, nil
		}
		return json.RawMessage(raw), nil
	}
	v, err := envelope.DecodePayload(envelope.Envelope{Topic: topic, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	canonical, err := envelope.Raw(v)
	if err != nil {
		return nil, fmt.Errorf("broker: encode %s payload: %w", topic, err)
	}
	return canonical, nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// Stats returns a lightweight snapshot of broker state.
func (b *Broker) Stats() Stats {
	s := Stats{
		Instance:    b.instance,
		Node:        b.self.Name(),
		Backend:     string(b.cfg.Persistence.Backend),
		Uptime:      time.Since(b.started).Truncate(time.Second),
		Topics:      len(b.bus.Topics()),
		Pending:     b.bus.PendingCount(),
		DeadLetters: b.dlq.Len(),
		Webhooks:    len(b.webhooks.List()),
	}
	for _, r := range b.registry.List() {
		if r.Status == registry.StatusActive {
			s.ActiveServices++
		} else {
			s.InactiveServices++
		}
	}
	return s
}
