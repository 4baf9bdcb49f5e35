// Package http provides the HTTP transport layer for svcbus.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /api/stats
//	GET    /metrics
//	GET    /topics
//	POST   /topics/{topic}/messages
//	GET    /topics/{topic}/ws
//	POST   /topics/{topic}/subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /services
//	POST   /services
//	GET    /services/{name}
//	DELETE /services/{name}
//	GET    /services/{name}/url
//	POST   /services/{name}/heartbeat
//	POST   /services/{name}/probe
//	GET    /deliveries/pending
//	GET    /deliveries/failed
//	POST   /deliveries/failed/drain
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/svcbus/internal/broker"
	transportws "github.com/snehjoshi/svcbus/internal/transport/websocket"
)

// Per-client request budget applied by RateLimitMiddleware.
const (
	clientRPS   = 100.0
	clientBurst = 200
)

// Server wraps the stdlib HTTP server with svcbus route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	h := &Handler{broker: b, log: log}
	ws := &transportws.Handler{Broker: b, Log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)

	// Topics
	mux.HandleFunc("GET /topics", h.listTopics)
	mux.HandleFunc("POST /topics/{topic}/messages", h.publish)
	mux.Handle("GET /topics/{topic}/ws", ws)

	// Webhook subscriptions
	mux.HandleFunc("POST /topics/{topic}/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Registry
	mux.HandleFunc("GET /services", h.listServices)
	mux.HandleFunc("POST /services", h.registerService)
	mux.HandleFunc("GET /services/{name}", h.getService)
	mux.HandleFunc("DELETE /services/{name}", h.deregisterService)
	mux.HandleFunc("GET /services/{name}/url", h.serviceURL)
	mux.HandleFunc("POST /services/{name}/heartbeat", h.heartbeat)
	mux.HandleFunc("POST /services/{name}/probe", h.probe)

	// Deliveries
	mux.HandleFunc("GET /deliveries/pending", h.pending)
	mux.HandleFunc("GET /deliveries/failed", h.failed)
	mux.HandleFunc("POST /deliveries/failed/drain", h.drainFailed)

	// Metrics (Prometheus text format)
	if reg := b.Metrics(); reg != nil && b.Config().Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	cfg := b.Config()
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(log, b.Metrics()),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(clientRPS, clientBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
