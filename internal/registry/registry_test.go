package registry_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/registry"
)

const wait = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	bus   *bus.Bus
	clock *fakeClock
	reg   *registry.Registry
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T, opts ...registry.Option) *env {
	t.Helper()
	b, err := bus.New(context.Background(), bus.WithLogger(discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	base := []registry.Option{
		registry.WithLogger(discard()),
		registry.WithClock(clock.Now),
		registry.WithFallback(registry.Fallback{
			Enabled:  true,
			Host:     "localhost",
			BasePort: 5000,
			Defaults: map[string]string{"doc-svc": "docs.internal:7000"},
			Order:    []string{"auth-svc", "user-svc", "doc-svc"},
		}),
	}
	reg, err := registry.New(communicator.New("registry", b), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return &env{bus: b, clock: clock, reg: reg}
}

// watch collects every payload of type T broadcast on topic.
func watch[T any](t *testing.T, b *bus.Bus, name, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 16)
	c := communicator.New(name, b)
	t.Cleanup(c.Close)
	_, err := communicator.OnTyped(c, topic, func(_ context.Context, v T, _ envelope.Envelope) error {
		ch <- v
		return nil
	})
	require.NoError(t, err)
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for broadcast")
		var zero T
		return zero
	}
}

func userSvc() envelope.ServiceRegister {
	return envelope.ServiceRegister{Name: "user-svc", Host: "10.0.0.5", Port: 6001, Routes: []string{"/users"}}
}

// ─── Register / Deregister ────────────────────────────────────────────────────

func TestRegister_StoresActiveRecordAndBroadcasts(t *testing.T) {
	e := setup(t)
	available := watch[envelope.ServiceAvailable](t, e.bus, "watcher", envelope.TopicServiceAvailable)

	rec, err := e.reg.Register(context.Background(), userSvc())
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, rec.Status)
	assert.Equal(t, e.clock.Now(), rec.LastHeartbeat)

	got, ok := e.reg.Get("user-svc")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", got.Host)
	assert.Equal(t, []string{"/users"}, got.Routes)

	msg := receive(t, available)
	assert.Equal(t, "user-svc", msg.Name)
	assert.Equal(t, 6001, msg.Port)

	url, err := e.reg.ServiceURL("user-svc")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:6001", url)
}

func TestRegister_RejectsInvalid(t *testing.T) {
	e := setup(t)
	_, err := e.reg.Register(context.Background(), envelope.ServiceRegister{Name: "  ", Port: 1})
	assert.ErrorIs(t, err, registry.ErrInvalidService)
	_, err = e.reg.Register(context.Background(), envelope.ServiceRegister{Name: "x", Port: 70000})
	assert.ErrorIs(t, err, registry.ErrInvalidService)
	assert.Empty(t, e.reg.List())
}

func TestDeregister_KeepsRecordAndBroadcastsOnce(t *testing.T) {
	e := setup(t)
	unavailable := watch[envelope.ServiceUnavailable](t, e.bus, "watcher", envelope.TopicServiceUnavailable)
	ctx := context.Background()

	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))
	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))

	rec, ok := e.reg.Get("user-svc")
	require.True(t, ok, "inactive records are retained")
	assert.Equal(t, registry.StatusInactive, rec.Status)

	assert.Equal(t, "user-svc", receive(t, unavailable).Name)
	select {
	case extra := <-unavailable:
		t.Fatalf("second deregister broadcast again: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	assert.ErrorIs(t, e.reg.Deregister(ctx, "ghost"), registry.ErrUnknownService)
}

func TestRegister_ReactivatesAndKeepsRegisteredAt(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	first, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))

	e.clock.Advance(time.Minute)
	again, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, again.Status)
	assert.Equal(t, first.RegisteredAt, again.RegisteredAt)
	assert.True(t, again.LastHeartbeat.After(first.LastHeartbeat))
}

func TestList_SortedByName(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := e.reg.Register(ctx, envelope.ServiceRegister{Name: n, Port: 1})
		require.NoError(t, err)
	}
	var names []string
	for _, r := range e.reg.List() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

// ─── Sweep ────────────────────────────────────────────────────────────────────

func TestCleanup_MarksStaleServicesInactive(t *testing.T) {
	e := setup(t)
	unavailable := watch[envelope.ServiceUnavailable](t, e.bus, "watcher", envelope.TopicServiceUnavailable)
	ctx := context.Background()

	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	assert.Empty(t, e.reg.CleanupInactiveServices(ctx), "exactly the window is still alive")

	e.clock.Advance(time.Second)
	assert.Equal(t, []string{"user-svc"}, e.reg.CleanupInactiveServices(ctx))

	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, registry.StatusInactive, rec.Status)
	assert.Equal(t, "user-svc", receive(t, unavailable).Name)

	assert.Empty(t, e.reg.CleanupInactiveServices(ctx), "inactive services are not swept twice")
}

func TestCleanup_HeartbeatKeepsServiceAlive(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	e.clock.Advance(4 * time.Minute)
	require.NoError(t, e.reg.UpdateHeartbeat("user-svc"))
	e.clock.Advance(4 * time.Minute)

	assert.Empty(t, e.reg.CleanupInactiveServices(ctx))
	assert.ErrorIs(t, e.reg.UpdateHeartbeat("ghost"), registry.ErrUnknownService)
}

func TestCleanup_HeartbeatDoesNotReactivate(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))

	require.NoError(t, e.reg.UpdateHeartbeat("user-svc"))
	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, registry.StatusInactive, rec.Status)
}

func TestCleanup_HeartbeatAfterScanWins(t *testing.T) {
	e := setup(t)
	unavailable := watch[envelope.ServiceUnavailable](t, e.bus, "watcher", envelope.TopicServiceUnavailable)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	// The sweep scanned at scanAt and saw user-svc stale; a heartbeat lands
	// before it takes the write lock.
	e.clock.Advance(6 * time.Minute)
	scanAt := e.clock.Now()
	require.NoError(t, e.reg.UpdateHeartbeat("user-svc"))

	assert.False(t, e.reg.DeregisterIfStale(ctx, "user-svc", scanAt))
	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, registry.StatusActive, rec.Status)

	select {
	case v := <-unavailable:
		t.Fatalf("unexpected service.unavailable for %s", v.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCleanup_ReregisterAfterScanWins(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	e.clock.Advance(6 * time.Minute)
	scanAt := e.clock.Now()
	_, err = e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	assert.False(t, e.reg.DeregisterIfStale(ctx, "user-svc", scanAt))
	assert.False(t, e.reg.DeregisterIfStale(ctx, "ghost", scanAt))
	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, registry.StatusActive, rec.Status)
}

func TestCleanup_StillStaleUnderLockIsDeregistered(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	e.clock.Advance(6 * time.Minute)
	assert.True(t, e.reg.DeregisterIfStale(ctx, "user-svc", e.clock.Now()))
	assert.False(t, e.reg.DeregisterIfStale(ctx, "user-svc", e.clock.Now()), "already inactive")
	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, registry.StatusInactive, rec.Status)
}

func TestRun_SweepsPeriodically(t *testing.T) {
	e := setup(t, registry.WithSweepInterval(5*time.Millisecond), registry.WithInactivityWindow(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.reg.Run(ctx)
		close(done)
	}()

	e.clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool {
		rec, _ := e.reg.Get("user-svc")
		return rec.Status == registry.StatusInactive
	}, wait, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("Run did not return after cancel")
	}
}

// ─── Resolution ───────────────────────────────────────────────────────────────

func TestResolve_FallbackEnabled(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	url, err := e.reg.ServiceURL("auth-svc")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", url, "position in order")

	port, err := e.reg.ServicePort("user-svc")
	require.NoError(t, err)
	assert.Equal(t, 5001, port)

	url, err = e.reg.ServiceURL("doc-svc")
	require.NoError(t, err)
	assert.Equal(t, "http://docs.internal:7000", url, "defaults win over order")

	_, err = e.reg.ServiceURL("ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownService)

	_, err = e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))
	port, err = e.reg.ServicePort("user-svc")
	require.NoError(t, err)
	assert.Equal(t, 5001, port, "inactive service falls back")
}

func TestResolve_FallbackDisabled(t *testing.T) {
	e := setup(t, registry.WithFallback(registry.Fallback{
		Order: []string{"auth-svc"},
	}))
	ctx := context.Background()

	_, err := e.reg.ServiceURL("auth-svc")
	assert.ErrorIs(t, err, registry.ErrUnknownService)

	_, err = e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	port, err := e.reg.ServicePort("user-svc")
	require.NoError(t, err)
	assert.Equal(t, 6001, port)

	require.NoError(t, e.reg.Deregister(ctx, "user-svc"))
	_, err = e.reg.ServicePort("user-svc")
	assert.ErrorIs(t, err, registry.ErrServiceInactive)
}

// ─── Topic consumers ──────────────────────────────────────────────────────────

func TestTopic_RegisterRepliesToSource(t *testing.T) {
	e := setup(t)
	acks := watch[envelope.ServiceRegistered](t, e.bus, "user-svc", envelope.TopicServiceRegistered)
	other := watch[envelope.ServiceRegistered](t, e.bus, "auth-svc", envelope.TopicServiceRegistered)

	svc := communicator.New("user-svc", e.bus)
	t.Cleanup(svc.Close)
	_, err := svc.Broadcast(context.Background(), envelope.TopicServiceRegister, userSvc())
	require.NoError(t, err)

	ack := receive(t, acks)
	assert.Equal(t, "user-svc", ack.Name)
	assert.Equal(t, "active", ack.Status)

	rec, ok := e.reg.Get("user-svc")
	require.True(t, ok)
	assert.Equal(t, 6001, rec.Port)

	select {
	case v := <-other:
		t.Fatalf("acknowledgement leaked to another service: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopic_RegisterAsRequest(t *testing.T) {
	e := setup(t)
	svc := communicator.New("user-svc", e.bus)
	t.Cleanup(svc.Close)

	ack, err := communicator.RequestInto[envelope.ServiceRegistered](context.Background(), svc,
		"registry", envelope.TopicServiceRegister, userSvc(), communicator.WithTimeout(wait))
	require.NoError(t, err)
	assert.Equal(t, "active", ack.Status)
}

func TestTopic_HeartbeatAndDeregister(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	svc := communicator.New("user-svc", e.bus)
	t.Cleanup(svc.Close)

	e.clock.Advance(time.Minute)
	beat := e.clock.Now()
	_, err = svc.Broadcast(ctx, envelope.TopicServiceHeartbeat, envelope.Heartbeat{Timestamp: beat})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rec, _ := e.reg.Get("user-svc")
		return rec.LastHeartbeat.Equal(beat)
	}, wait, 5*time.Millisecond, "heartbeat without a name uses the source")

	_, err = svc.Broadcast(ctx, envelope.TopicServiceDeregister, envelope.ServiceDeregister{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		rec, _ := e.reg.Get("user-svc")
		return rec.Status == registry.StatusInactive
	}, wait, 5*time.Millisecond)
}

func TestTopic_HealthCheckFromServiceRefreshesIt(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	svc := communicator.New("user-svc", e.bus)
	t.Cleanup(svc.Close)

	e.clock.Advance(time.Minute)
	status, err := communicator.RequestInto[envelope.HealthStatus](ctx, svc, "registry",
		envelope.TopicHealthCheck, envelope.HealthCheck{RequestID: "r1"}, communicator.WithTimeout(wait))
	require.NoError(t, err)
	assert.Equal(t, "registry", status.Name)
	assert.Equal(t, "healthy", status.Status)

	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, e.clock.Now(), rec.LastHeartbeat)
}

// ─── ProbeHealth ──────────────────────────────────────────────────────────────

func TestProbeHealth_ResponseRefreshesHeartbeat(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)

	svc := communicator.New("user-svc", e.bus)
	t.Cleanup(svc.Close)
	_, err = svc.OnMessage(envelope.TopicHealthCheck, func(ctx context.Context, _ json.RawMessage, req envelope.Envelope) error {
		_, err := svc.Respond(ctx, req, envelope.HealthStatus{Name: "user-svc", Status: "healthy"})
		return err
	})
	require.NoError(t, err)

	e.clock.Advance(3 * time.Minute)
	status, err := e.reg.ProbeHealth(ctx, "user-svc")
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)

	rec, _ := e.reg.Get("user-svc")
	assert.Equal(t, e.clock.Now(), rec.LastHeartbeat)
}

func TestProbeHealth_TimeoutAndUnknown(t *testing.T) {
	e := setup(t, registry.WithHealthCheckTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := e.reg.ProbeHealth(ctx, "ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownService)

	rec, err := e.reg.Register(ctx, userSvc())
	require.NoError(t, err)
	e.clock.Advance(time.Minute)

	_, err = e.reg.ProbeHealth(ctx, "user-svc")
	assert.ErrorIs(t, err, communicator.ErrTimeout)

	after, _ := e.reg.Get("user-svc")
	assert.Equal(t, rec.LastHeartbeat, after.LastHeartbeat, "an unanswered probe is not a heartbeat")
}
