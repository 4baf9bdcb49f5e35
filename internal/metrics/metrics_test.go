package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BusCounters(t *testing.T) {
	r := New()

	r.Published("orders.placed", "high")
	r.Published("orders.placed", "high")
	r.Delivered("orders.placed", true, time.Millisecond)
	r.Delivered("orders.placed", false, time.Millisecond)
	r.Retried("orders.placed", "high")
	r.Abandoned("orders.placed", "high")
	r.PersistError("persist")
	r.SetPending(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.published.WithLabelValues("orders.placed", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("orders.placed", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.deliveries.WithLabelValues("orders.placed", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retries.WithLabelValues("orders.placed", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.abandoned.WithLabelValues("orders.placed", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.persistErrors.WithLabelValues("persist")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.pending))
}

func TestRegistry_RegistryGauges(t *testing.T) {
	r := New()
	r.SetServices(3, 1)
	r.Heartbeat()
	r.Heartbeat()

	assert.Equal(t, 3.0, testutil.ToFloat64(r.services.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.services.WithLabelValues("inactive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.heartbeats))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.Published("t", "low")
		r.Delivered("t", true, 0)
		r.Retried("t", "normal")
		r.Abandoned("t", "normal")
		r.PersistError("remove")
		r.SetPending(1)
		r.SetServices(1, 1)
		r.Heartbeat()
		r.HTTPRequest("GET", "/health", 200, 0)
	})
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a, b := New(), New()
	a.Published("t", "low")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.published.WithLabelValues("t", "low")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.published.WithLabelValues("t", "low")))
}

func TestHandler_ExpositionFormat(t *testing.T) {
	r := New()
	r.Published("service.register", "normal")
	r.HTTPRequest("POST", "/topics/{topic}/messages", 202, 3*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		`svcbus_envelopes_published_total{priority="normal",topic="service.register"} 1`,
		`svcbus_http_requests_total{method="POST",path="/topics/{topic}/messages",status="202"} 1`,
		"# TYPE svcbus_pending_deliveries gauge",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(text, want), "missing %q in metrics output", want)
	}
}
