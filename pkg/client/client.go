// Package client is the Go SDK for the svcbus admin HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithSource("billing"))
//
//	// Broadcast an event
//	id, err := c.Publish(ctx, "orders.created", map[string]any{"order": 42})
//
//	// Send a HIGH priority envelope to one service
//	id, err := c.Publish(ctx, "invoices.issue", inv,
//	    client.WithPriority("high"), client.WithDestination("invoicing"))
//
//	// Resolve a service address
//	url, err := c.ServiceURL(ctx, "user-svc")
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the svcbus server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("svcbus: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInactive reports whether the error is a 410, returned when resolving an
// inactive service with fallback disabled or unmatched.
func IsInactive(err error) bool { return hasStatus(err, http.StatusGone) }

// IsTimeout reports whether the server gave up waiting on the bus (504).
func IsTimeout(err error) bool { return hasStatus(err, http.StatusGatewayTimeout) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithSource names the service this client publishes as. The default is
// decided by the server.
func WithSource(name string) ClientOption {
	return func(c *Client) { c.source = name }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the svcbus API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	source  string
	http    *http.Client
}

// New creates a new Client that connects to the svcbus server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://bus.internal", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// PublishOption configures a single Publish call.
type PublishOption func(*publishPayload)

// WithPriority sets the tier: "low", "normal" (default), "high" or
// "critical".
func WithPriority(p string) PublishOption {
	return func(pp *publishPayload) { pp.Priority = p }
}

// WithDestination addresses the envelope to a single service.
func WithDestination(service string) PublishOption {
	return func(p *publishPayload) { p.Destination = service }
}

// WithMetadata attaches key/value headers to the envelope.
func WithMetadata(m map[string]string) PublishOption {
	return func(p *publishPayload) { p.Metadata = m }
}

// Publish sends payload, encoded as JSON, on topic and returns the
// envelope id. A json.RawMessage payload is sent verbatim.
func (c *Client) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) (string, error) {
	p := publishPayload{Source: c.source}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			data, err := codec.Marshal(payload)
			if err != nil {
				return "", fmt.Errorf("svcbus: marshal payload: %w", err)
			}
			raw = data
		}
		p.Payload = raw
	}
	for _, o := range opts {
		o(&p)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/messages", p, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Topics lists every topic with at least one subscriber.
func (c *Client) Topics(ctx context.Context) ([]TopicInfo, error) {
	var resp struct {
		Topics []TopicInfo `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Topics, nil
}

// ─── Services ─────────────────────────────────────────────────────────────────

// RegisterService registers or re-registers a service.
func (c *Client) RegisterService(ctx context.Context, reg ServiceRegistration) (*Service, error) {
	var s Service
	if err := c.do(ctx, http.MethodPost, "/services", reg, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeregisterService marks a service inactive. Its record is kept.
func (c *Client) DeregisterService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(name), nil, nil)
}

// Service returns one service record.
func (c *Client) Service(ctx context.Context, name string) (*Service, error) {
	var s Service
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Services lists every known service, active or not, ordered by name.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var resp struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/services", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// ServiceURL resolves a service to its base URL, applying the server's
// fallback rules for unknown or inactive services.
func (c *Client) ServiceURL(ctx context.Context, name string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name)+"/url", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Heartbeat refreshes a service's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/heartbeat", nil, nil)
}

// Probe asks the server to health-check a service over the bus.
func (c *Client) Probe(ctx context.Context, name string) (*HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/probe", nil, &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

// Pending lists deliveries awaiting a retry, soonest first.
func (c *Client) Pending(ctx context.Context) ([]PendingDelivery, error) {
	var resp struct {
		Pending []PendingDelivery `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/deliveries/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// FailedDeliveries returns up to limit of the newest abandoned deliveries.
// A limit of 0 uses the server default.
func (c *Client) FailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error) {
	return c.failed(ctx, http.MethodGet, "/deliveries/failed", limit)
}

// DrainFailed removes and returns up to limit of the oldest abandoned
// deliveries. A limit of 0 drains everything.
func (c *Client) DrainFailed(ctx context.Context, limit int) ([]FailedDelivery, error) {
	return c.failed(ctx, http.MethodPost, "/deliveries/failed/drain", limit)
}

func (c *Client) failed(ctx context.Context, method, path string, limit int) ([]FailedDelivery, error) {
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Failed []FailedDelivery `json:"failed"`
	}
	if err := c.do(ctx, method, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Failed, nil
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// Subscribe forwards envelopes on topic accepted for owner to webhookURL.
// A non-empty secret makes the server sign each POST with HMAC-SHA256.
func (c *Client) Subscribe(ctx context.Context, topic, owner, webhookURL, secret string) (*Webhook, error) {
	body := map[string]string{"owner": owner, "url": webhookURL, "secret": secret}
	var wh Webhook
	if err := c.do(ctx, http.MethodPost, "/topics/"+url.PathEscape(topic)+"/subscriptions", body, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// Webhooks lists every registered webhook.
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var resp struct {
		Subscriptions []Webhook `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

// Unsubscribe removes a webhook.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Health returns the server health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats returns the broker-wide snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := codec.Marshal(body)
		if err != nil {
			return fmt.Errorf("svcbus: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("svcbus: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.source != "" {
		req.Header.Set("X-Service-Name", c.source)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("svcbus: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("svcbus: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = codec.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := codec.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("svcbus: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type publishPayload struct {
	Source      string            `json:"source,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
