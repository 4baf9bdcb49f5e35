// Package registry tracks known services, their addresses and liveness.
//
// State machine per service:
//
//	unregistered ──register──▶ active ──deregister / sweep──▶ inactive
//	                             ▲                               │
//	                             └───────────register────────────┘
//
// Records are never deleted; inactive ones are kept for audit. A Registry is
// an owned component: it talks to the bus only through the Communicator it
// is given, so any number of registries can run side by side in tests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
	"github.com/snehjoshi/svcbus/internal/metrics"
)

var (
	// ErrUnknownService is returned for a name that was never registered
	// and has no fallback address.
	ErrUnknownService = errors.New("registry: unknown service")
	// ErrServiceInactive is returned when resolving an inactive service
	// with fallback disabled.
	ErrServiceInactive = errors.New("registry: service inactive")
	// ErrInvalidService is returned by Register for a record without a
	// usable name or port.
	ErrInvalidService = errors.New("registry: invalid service")
)

// Status is the liveness state of a service.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Record is the registry's view of one service.
type Record struct {
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	HealthEndpoint string    `json:"healthEndpoint,omitempty"`
	Routes         []string  `json:"routes,omitempty"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

func (r Record) clone() Record {
	r.Routes = slices.Clone(r.Routes)
	return r
}

// Fallback controls how an unknown or inactive service resolves.
//
// Resolution order when the service is not active:
//  1. Defaults[name], a static "host:port"
//  2. Host : BasePort + index of name in Order
//
// The guessed address may point at nothing. With Enabled false, resolution
// fails with ErrUnknownService or ErrServiceInactive instead.
type Fallback struct {
	Enabled  bool
	Host     string
	BasePort int
	Defaults map[string]string
	Order    []string
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithInactivityWindow sets how old a heartbeat may get before the sweep
// marks the service inactive. The default is five minutes.
func WithInactivityWindow(d time.Duration) Option {
	return func(r *Registry) { r.window = d }
}

// WithSweepInterval sets how often Run sweeps. The default is 30 seconds.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepEvery = d }
}

// WithHealthCheckTimeout bounds ProbeHealth. The default is two seconds.
func WithHealthCheckTimeout(d time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = d }
}

func WithFallback(f Fallback) Option { return func(r *Registry) { r.fallback = f } }

func WithMetrics(m *metrics.Registry) Option { return func(r *Registry) { r.metrics = m } }

// Registry holds one Record per known service name.
type Registry struct {
	comm         *communicator.Communicator
	log          *slog.Logger
	metrics      *metrics.Registry
	now          func() time.Time
	window       time.Duration
	sweepEvery   time.Duration
	probeTimeout time.Duration
	fallback     Fallback

	mu       sync.RWMutex
	services map[string]*Record

	subs []*bus.Subscription
}

// New creates a Registry and subscribes it to the service.* topics through
// comm.
func New(comm *communicator.Communicator, opts ...Option) (*Registry, error) {
	r := &Registry{
		comm:         comm,
		log:          slog.Default(),
		now:          time.Now,
		window:       5 * time.Minute,
		sweepEvery:   30 * time.Second,
		probeTimeout: 2 * time.Second,
		fallback:     Fallback{Enabled: true, Host: "localhost", BasePort: 5000},
		services:     make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "registry")
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close detaches the registry from the bus. Records are kept.
func (r *Registry) Close() {
	for _, s := range r.subs {
		r.comm.Unsubscribe(s)
	}
	r.subs = nil
}

// ─── state transitions ────────────────────────────────────────────────────────

// Register creates or overwrites the record for s, marks it active and
// broadcasts service.available.
func (r *Registry) Register(ctx context.Context, s envelope.ServiceRegister) (Record, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return Record{}, fmt.Errorf("%w: empty name", ErrInvalidService)
	}
	if s.Port < 0 || s.Port > 65535 {
		return Record{}, fmt.Errorf("%w: port %d out of range", ErrInvalidService, s.Port)
	}

	now := r.now().UTC()
	r.mu.Lock()
	rec := &Record{
		Name:           name,
		Host:           s.Host,
		Port:           s.Port,
		HealthEndpoint: s.HealthEndpoint,
		Routes:         slices.Clone(s.Routes),
		Status:         StatusActive,
		LastHeartbeat:  now,
		RegisteredAt:   now,
	}
	if prev, ok := r.services[name]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	}
	r.services[name] = rec
	out := rec.clone()
	r.updateGauge()
	r.mu.Unlock()

	r.log.Info("service registered", "name", name, "host", s.Host, "port", s.Port)
	r.broadcast(ctx, envelope.ServiceAvailable{Name: name, Host: s.Host, Port: s.Port, Timestamp: now})
	return out, nil
}

// Deregister marks name inactive and broadcasts service.unavailable. The
// record is retained. Deregistering an inactive service is a no-op.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	rec, ok := r.services[name]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownService
	}
	if rec.Status == StatusInactive {
		r.mu.Unlock()
		return nil
	}
	rec.Status = StatusInactive
	r.updateGauge()
	r.mu.Unlock()

	r.log.Info("service deregistered", "name", name)
	r.broadcast(ctx, envelope.ServiceUnavailable{Name: name, Timestamp: r.now().UTC()})
	return nil
}

// UpdateHeartbeat refreshes the liveness timestamp of name. It never
// changes the status.
func (r *Registry) UpdateHeartbeat(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[name]
	if !ok {
		return ErrUnknownService
	}
	rec.LastHeartbeat = r.now().UTC()
	r.metrics.Heartbeat()
	return nil
}

// CleanupInactiveServices deregisters every active service whose heartbeat
// is older than the inactivity window and returns their names.
func (r *Registry) CleanupInactiveServices(ctx context.Context) []string {
	now := r.now()
	r.mu.RLock()
	var candidates []string
	for name, rec := range r.services {
		if r.stale(rec, now) {
			candidates = append(candidates, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(candidates)

	var expired []string
	for _, name := range candidates {
		if r.deregisterIfStale(ctx, name, now) {
			expired = append(expired, name)
		}
	}
	return expired
}

func (r *Registry) stale(rec *Record, now time.Time) bool {
	return rec.Status == StatusActive && now.Sub(rec.LastHeartbeat) > r.window
}

// deregisterIfStale marks name inactive only if it is still stale under the
// write lock. A heartbeat or re-registration that landed after the sweep's
// scan keeps the service active.
func (r *Registry) deregisterIfStale(ctx context.Context, name string, now time.Time) bool {
	r.mu.Lock()
	rec, ok := r.services[name]
	if !ok || !r.stale(rec, now) {
		r.mu.Unlock()
		return false
	}
	rec.Status = StatusInactive
	r.updateGauge()
	r.mu.Unlock()

	r.log.Warn("service heartbeat expired", "name", name, "window", r.window)
	r.broadcast(ctx, envelope.ServiceUnavailable{Name: name, Timestamp: r.now().UTC()})
	return true
}

// Run sweeps every sweep interval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupInactiveServices(ctx)
		}
	}
}

// ─── queries ──────────────────────────────────────────────────────────────────

// Get returns the record for name.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns every record ordered by name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// ServiceURL resolves name to an http base URL.
func (r *Registry) ServiceURL(name string) (string, error) {
	host, port, err := r.resolve(name)
	if err != nil {
		return "", err
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ServicePort resolves name to a port.
func (r *Registry) ServicePort(name string) (int, error) {
	_, port, err := r.resolve(name)
	return port, err
}

func (r *Registry) resolve(name string) (string, int, error) {
	r.mu.RLock()
	rec, known := r.services[name]
	var host string
	var port int
	active := known && rec.Status == StatusActive
	if active {
		host, port = rec.Host, rec.Port
	}
	r.mu.RUnlock()

	if active {
		if host == "" {
			host = r.fallback.Host
		}
		return host, port, nil
	}

	miss := ErrUnknownService
	if known {
		miss = ErrServiceInactive
	}
	if !r.fallback.Enabled {
		return "", 0, fmt.Errorf("%w: %s", miss, name)
	}

	if addr, ok := r.fallback.Defaults[name]; ok {
		h, p, err := net.SplitHostPort(addr)
		if err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				r.log.Debug("resolved from fallback defaults", "name", name, "addr", addr)
				return h, n, nil
			}
		}
		r.log.Warn("ignoring malformed fallback address", "name", name, "addr", addr)
	}
	if i := slices.Index(r.fallback.Order, name); i >= 0 {
		port := r.fallback.BasePort + i
		r.log.Debug("resolved from fallback order", "name", name, "port", port)
		return r.fallback.Host, port, nil
	}
	return "", 0, fmt.Errorf("%w: %s", miss, name)
}

// ─── health probing ───────────────────────────────────────────────────────────

// ProbeHealth asks name to report its health over the bus. A response
// refreshes the heartbeat.
func (r *Registry) ProbeHealth(ctx context.Context, name string) (envelope.HealthStatus, error) {
	if _, ok := r.Get(name); !ok {
		return envelope.HealthStatus{}, ErrUnknownService
	}
	reqID, err := ids.New()
	if err != nil {
		return envelope.HealthStatus{}, err
	}
	status, err := communicator.RequestInto[envelope.HealthStatus](ctx, r.comm, name, envelope.TopicHealthCheck,
		envelope.HealthCheck{RequestID: reqID, Timestamp: r.now().UTC()},
		communicator.WithTimeout(r.probeTimeout),
	)
	if err != nil {
		return envelope.HealthStatus{}, fmt.Errorf("registry: probe %s: %w", name, err)
	}
	if err := r.UpdateHeartbeat(name); err != nil {
		return status, err
	}
	return status, nil
}

func (r *Registry) broadcast(ctx context.Context, p envelope.Typed) {
	if _, err := r.comm.Broadcast(ctx, p.PayloadTopic(), p); err != nil {
		r.log.Warn("broadcast failed", "topic", p.PayloadTopic(), "err", err)
	}
}

// updateGauge must be called with r.mu held.
func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	active := 0
	for _, rec := range r.services {
		if rec.Status == StatusActive {
			active++
		}
	}
	r.metrics.SetServices(active, len(r.services)-active)
}
