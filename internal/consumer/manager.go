// Package consumer forwards bus envelopes to HTTP webhooks.
//
// Each webhook is an ordinary bus subscription owned by a service name, so
// it receives broadcasts on its topic plus envelopes addressed to that
// owner. A failed POST is a failed delivery: the envelope's priority decides
// whether it is retried, persisted or abandoned.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/envelope"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidURL           = errors.New("consumer: invalid webhook url")
)

// Subscription is one registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Topic     string    `json:"topic"`
	URL       string    `json:"url"`
	Signed    bool      `json:"signed"`
	CreatedAt time.Time `json:"createdAt"`

	secret string
	sub    *bus.Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default client, which times out after ten
// seconds.
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// Manager owns the webhook subscriptions of one bus.
type Manager struct {
	bus    *bus.Bus
	client *http.Client
	log    *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewManager(b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		bus:    b,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    slog.Default(),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "webhook")
	return m
}

// Register forwards every envelope on topic accepted for owner to rawURL.
// When secret is non-empty the body is signed with HMAC-SHA256.
func (m *Manager) Register(owner, topic, rawURL, secret string) (Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	if strings.TrimSpace(owner) == "" {
		return Subscription{}, errors.New("consumer: owner is required")
	}

	ws := &Subscription{
		Owner:     owner,
		Topic:     topic,
		URL:       u.String(),
		Signed:    secret != "",
		CreatedAt: time.Now().UTC(),
		secret:    secret,
	}
	sub, err := m.bus.Subscribe(owner, topic, func(ctx context.Context, e envelope.Envelope) error {
		return deliver(ctx, m.client, ws, e)
	})
	if err != nil {
		return Subscription{}, err
	}
	ws.ID = sub.ID()
	ws.sub = sub

	m.mu.Lock()
	m.subs[ws.ID] = ws
	m.mu.Unlock()
	m.log.Info("webhook registered", "id", ws.ID, "owner", owner, "topic", topic, "url", ws.URL)
	return ws.view(), nil
}

// Deregister removes the webhook with the given id.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	ws, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	ws.sub.Unsubscribe()
	m.log.Info("webhook deregistered", "id", id)
	return nil
}

// List returns every webhook ordered by id, oldest first.
func (m *Manager) List() []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, ws := range m.subs {
		out = append(out, ws.view())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Subscription) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Close removes every webhook.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	for _, ws := range subs {
		ws.sub.Unsubscribe()
	}
}

func (s *Subscription) view() Subscription {
	return Subscription{
		ID:        s.ID,
		Owner:     s.Owner,
		Topic:     s.Topic,
		URL:       s.URL,
		Signed:    s.Signed,
		CreatedAt: s.CreatedAt,
	}
}
