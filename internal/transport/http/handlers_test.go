package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/broker"
	"github.com/snehjoshi/svcbus/internal/config"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/metrics"
	transphttp "github.com/snehjoshi/svcbus/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (http.Handler, *broker.Broker) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Persistence.Backend = config.BackendMemory
	cfg.Bus.Retry.Normal.DelayMs = 5
	for _, m := range mutate {
		m(cfg)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := broker.New(context.Background(), cfg, broker.WithLogger(quiet), broker.WithMetrics(metrics.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	return transphttp.New(b, quiet).Handler(), b
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body), "encode request body")
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v), "decode response, body: %s", rr.Body.String())
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rr.Code, "body: %s", rr.Body)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, "timed out waiting for %s", what)
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h, b := newTestServer(t)
	rr := doRequest(t, h, "GET", "/health", nil)
	expectCode(t, rr, http.StatusOK)

	var resp map[string]any
	decodeResp(t, rr, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, b.Instance(), resp["instance"])
}

func TestHTTP_Metrics(t *testing.T) {
	h, _ := newTestServer(t)
	doRequest(t, h, "GET", "/health", nil)

	rr := doRequest(t, h, "GET", "/metrics", nil)
	expectCode(t, rr, http.StatusOK)
	assert.Contains(t, rr.Body.String(), `svcbus_http_requests_total{method="GET",path="GET /health"`,
		"expected labelled http counter in exposition")
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func TestHTTP_Publish(t *testing.T) {
	h, b := newTestServer(t)

	got := make(chan envelope.Envelope, 1)
	_, err := b.Bus().Subscribe("billing", "orders.created", func(_ context.Context, e envelope.Envelope) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	rr := doRequest(t, h, "POST", "/topics/orders.created/messages", map[string]any{
		"priority": "high",
		"payload":  map[string]int{"order": 42},
		"metadata": map[string]string{"trace": "abc"},
	}, "X-Service-Name", "shop")
	expectCode(t, rr, http.StatusCreated)

	var resp struct {
		ID       string `json:"id"`
		Priority string `json:"priority"`
	}
	decodeResp(t, rr, &resp)
	require.NotEmpty(t, resp.ID)
	assert.Equal(t, "high", resp.Priority)

	select {
	case e := <-got:
		assert.Equal(t, resp.ID, e.ID)
		assert.Equal(t, "shop", e.Source)
		assert.Equal(t, envelope.High, e.Priority)
		assert.Equal(t, `{"order":42}`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the envelope")
	}
}

func TestHTTP_Publish_Rejects(t *testing.T) {
	h, _ := newTestServer(t)
	cases := []struct {
		desc string
		path string
		body any
	}{
		{"bad topic", "/topics/bad$topic/messages", map[string]any{}},
		{"bad priority", "/topics/t/messages", map[string]any{"priority": "urgent"}},
		{"unknown field", "/topics/t/messages", map[string]any{"body": "x"}},
		{"reserved topic", "/topics/_response.abc/messages", map[string]any{}},
		{"too many metadata keys", "/topics/t/messages", map[string]any{"metadata": manyKeys(17)}},
		{"schema topic with mistyped payload", "/topics/service.heartbeat/messages",
			map[string]any{"payload": map[string]any{"name": 7}}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			rr := doRequest(t, h, "POST", tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, "body: %s", rr.Body)
		})
	}
}

func manyKeys(n int) map[string]string {
	m := make(map[string]string, n)
	for i := range n {
		m[string(rune('a'+i))] = "v"
	}
	return m
}

func TestHTTP_ListTopics_HidesResponseTopics(t *testing.T) {
	h, _ := newTestServer(t)
	rr := doRequest(t, h, "GET", "/topics", nil)
	expectCode(t, rr, http.StatusOK)

	var resp struct {
		Topics []struct {
			Topic       string `json:"topic"`
			Subscribers int    `json:"subscribers"`
		} `json:"topics"`
	}
	decodeResp(t, rr, &resp)
	found := false
	for _, ti := range resp.Topics {
		assert.False(t, strings.HasPrefix(ti.Topic, "_response."), "response topic leaked: %s", ti.Topic)
		if ti.Topic == envelope.TopicServiceRegister && ti.Subscribers == 1 {
			found = true
		}
	}
	assert.True(t, found, "registry subscription missing from %+v", resp.Topics)
}

// ─── Registry ─────────────────────────────────────────────────────────────────

func TestHTTP_ServiceLifecycle(t *testing.T) {
	h, _ := newTestServer(t)

	rr := doRequest(t, h, "POST", "/services", map[string]any{
		"name": "user-svc", "host": "10.0.0.7", "port": 6001,
	})
	expectCode(t, rr, http.StatusCreated)

	rr = doRequest(t, h, "GET", "/services/user-svc", nil)
	expectCode(t, rr, http.StatusOK)
	var rec struct {
		Status string `json:"status"`
		Port   int    `json:"port"`
	}
	decodeResp(t, rr, &rec)
	assert.Equal(t, "active", rec.Status)
	assert.Equal(t, 6001, rec.Port)

	rr = doRequest(t, h, "GET", "/services/user-svc/url", nil)
	expectCode(t, rr, http.StatusOK)
	var u struct {
		URL string `json:"url"`
	}
	decodeResp(t, rr, &u)
	assert.Equal(t, "http://10.0.0.7:6001", u.URL)

	expectCode(t, doRequest(t, h, "POST", "/services/user-svc/heartbeat", nil), http.StatusNoContent)
	expectCode(t, doRequest(t, h, "DELETE", "/services/user-svc", nil), http.StatusNoContent)

	// Inactive, not in the fallback table.
	expectCode(t, doRequest(t, h, "GET", "/services/user-svc/url", nil), http.StatusGone)

	rr = doRequest(t, h, "GET", "/services", nil)
	expectCode(t, rr, http.StatusOK)
	var list struct {
		Services []map[string]any `json:"services"`
	}
	decodeResp(t, rr, &list)
	require.Len(t, list.Services, 1, "inactive record must be retained")
	assert.Equal(t, "inactive", list.Services[0]["status"])
}

func TestHTTP_ServiceErrors(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) {
		c.Registry.Fallback.Order = []string{"auth-svc"}
	})

	expectCode(t, doRequest(t, h, "GET", "/services/ghost", nil), http.StatusNotFound)
	expectCode(t, doRequest(t, h, "GET", "/services/ghost/url", nil), http.StatusNotFound)
	expectCode(t, doRequest(t, h, "DELETE", "/services/ghost", nil), http.StatusNotFound)
	expectCode(t, doRequest(t, h, "POST", "/services/ghost/heartbeat", nil), http.StatusNotFound)
	expectCode(t, doRequest(t, h, "POST", "/services", map[string]any{"name": "bad name"}), http.StatusBadRequest)

	rr := doRequest(t, h, "GET", "/services/auth-svc/url", nil)
	expectCode(t, rr, http.StatusOK)
	var u struct {
		URL  string `json:"url"`
		Port int    `json:"port"`
	}
	decodeResp(t, rr, &u)
	assert.Equal(t, "http://localhost:5000", u.URL)
	assert.Equal(t, 5000, u.Port)
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

func TestHTTP_FailedDeliveries(t *testing.T) {
	h, b := newTestServer(t)
	_, err := b.Bus().Subscribe("billing", "orders.created", func(context.Context, envelope.Envelope) error {
		return errors.New("down")
	})
	require.NoError(t, err)

	expectCode(t, doRequest(t, h, "POST", "/topics/orders.created/messages", map[string]any{"priority": "low"}),
		http.StatusCreated)
	eventually(t, "dead letter", func() bool { return b.DeadLetters().Len() == 1 })

	rr := doRequest(t, h, "GET", "/deliveries/failed", nil)
	expectCode(t, rr, http.StatusOK)
	var resp struct {
		Failed []struct {
			Topic  string `json:"topic"`
			Reason string `json:"reason"`
		} `json:"failed"`
	}
	decodeResp(t, rr, &resp)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "orders.created", resp.Failed[0].Topic)

	expectCode(t, doRequest(t, h, "POST", "/deliveries/failed/drain", nil), http.StatusOK)
	assert.Zero(t, b.DeadLetters().Len(), "drain left entries")
}

func TestHTTP_PendingDeliveries(t *testing.T) {
	h, b := newTestServer(t, func(c *config.Config) {
		c.Bus.Retry.High.InitialMs = 60_000
		c.Bus.Retry.High.MaxMs = 60_000
	})
	_, err := b.Bus().Subscribe("billing", "invoices.issue", func(context.Context, envelope.Envelope) error {
		return errors.New("down")
	})
	require.NoError(t, err)
	expectCode(t, doRequest(t, h, "POST", "/topics/invoices.issue/messages", map[string]any{"priority": "high"}),
		http.StatusCreated)
	eventually(t, "persisted pending retry", func() bool {
		p := b.Bus().Pending()
		return len(p) == 1 && p[0].Persisted
	})

	rr := doRequest(t, h, "GET", "/deliveries/pending", nil)
	expectCode(t, rr, http.StatusOK)
	var resp struct {
		Pending []struct {
			Topic     string `json:"topic"`
			Priority  string `json:"priority"`
			Persisted bool   `json:"persisted"`
		} `json:"pending"`
	}
	decodeResp(t, rr, &resp)
	require.Len(t, resp.Pending, 1)
	p := resp.Pending[0]
	assert.Equal(t, "invoices.issue", p.Topic)
	assert.Equal(t, "high", p.Priority)
	assert.True(t, p.Persisted)
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func TestHTTP_Subscriptions(t *testing.T) {
	h, _ := newTestServer(t)

	expectCode(t, doRequest(t, h, "POST", "/topics/orders.created/subscriptions", map[string]any{
		"owner": "billing", "url": "ftp://example.com",
	}), http.StatusBadRequest)
	expectCode(t, doRequest(t, h, "POST", "/topics/orders.created/subscriptions", map[string]any{
		"url": "http://example.com/hook",
	}), http.StatusBadRequest)

	rr := doRequest(t, h, "POST", "/topics/orders.created/subscriptions", map[string]any{
		"owner": "billing", "url": "http://example.com/hook", "secret": "s",
	})
	expectCode(t, rr, http.StatusCreated)
	var sub struct {
		ID     string `json:"id"`
		Signed bool   `json:"signed"`
	}
	assert.NotContains(t, rr.Body.String(), `"secret"`, "secret must never be echoed")
	decodeResp(t, rr, &sub)
	require.NotEmpty(t, sub.ID)
	assert.True(t, sub.Signed)

	rr = doRequest(t, h, "GET", "/subscriptions", nil)
	expectCode(t, rr, http.StatusOK)
	assert.Contains(t, rr.Body.String(), sub.ID)

	expectCode(t, doRequest(t, h, "DELETE", "/subscriptions/"+sub.ID, nil), http.StatusNoContent)
	expectCode(t, doRequest(t, h, "DELETE", "/subscriptions/"+sub.ID, nil), http.StatusNotFound)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_Auth(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "k3y"
	})
	expectCode(t, doRequest(t, h, "GET", "/services", nil), http.StatusUnauthorized)
	expectCode(t, doRequest(t, h, "GET", "/services", nil, "X-Api-Key", "wrong"), http.StatusUnauthorized)
	expectCode(t, doRequest(t, h, "GET", "/services", nil, "X-Api-Key", "k3y"), http.StatusOK)
	expectCode(t, doRequest(t, h, "GET", "/services", nil, "Authorization", "Bearer k3y"), http.StatusOK)
	// Liveness checks do not carry credentials.
	expectCode(t, doRequest(t, h, "GET", "/health", nil), http.StatusOK)
}

func TestHTTP_RequestID(t *testing.T) {
	h, _ := newTestServer(t)
	rr := doRequest(t, h, "GET", "/health", nil)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"), "expected a generated X-Request-Id")
	rr = doRequest(t, h, "GET", "/health", nil, "X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-Id"))
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h, _ := newTestServer(t)
	rr := doRequest(t, h, "OPTIONS", "/topics/t/messages", nil, "Origin", "http://tool.local")
	expectCode(t, rr, http.StatusNoContent)
	assert.Equal(t, "http://tool.local", rr.Header().Get("Access-Control-Allow-Origin"))
}
