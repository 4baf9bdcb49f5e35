package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/svcbus/internal/ids"
	"github.com/snehjoshi/svcbus/internal/metrics"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// chain applies mw around h, the first entry outermost.
func chain(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// ─── CORS ────────────────────────────────────────────────────────────────────

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Api-Key, X-Service-Name, X-Request-Id"
)

// CORSMiddleware lets browser tooling reach the operator API. A request
// Origin is reflected so credentialed requests work; OPTIONS preflights are
// answered without reaching the mux.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		h.Set("Access-Control-Allow-Methods", corsMethods)
		h.Set("Access-Control-Allow-Headers", corsHeaders)
		h.Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	})
}

// ─── Access log ──────────────────────────────────────────────────────────────

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Hijack hands the connection to the WebSocket upgrader.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// quietRoutes are logged at debug level; they are polled by health checkers and
// scrapers.
var quietRoutes = map[string]bool{
	"GET /health":  true,
	"GET /metrics": true,
}

// LoggingMiddleware assigns each request an X-Request-Id (keeping one the
// caller sent), writes an access log line and records the request in reg
// under its route pattern.
func LoggingMiddleware(log *slog.Logger, reg *metrics.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = ids.MustNew()
			}
			w.Header().Set("X-Request-Id", reqID)

			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			reg.HTTPRequest(r.Method, route, sr.status, elapsed)

			level := slog.LevelInfo
			switch {
			case sr.status >= 500:
				level = slog.LevelWarn
			case quietRoutes[route]:
				level = slog.LevelDebug
			}
			log.Log(r.Context(), level, "http",
				"request_id", reqID,
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", sr.status,
				"service", r.Header.Get("X-Service-Name"),
				"remote", clientIP(r),
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware requires the static API key on every route except
// GET /health. The key is read from X-Api-Key or an "Authorization: Bearer"
// header and compared in constant time.
func AuthMiddleware(apiKey string, enabled bool) Middleware {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presentedKey(r)), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

const (
	limiterSweepAt = 5000
	limiterIdleTTL = 10 * time.Minute
)

// limiterTable hands out one token bucket per caller key.
type limiterTable struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiterTable(rps float64, burst int) *limiterTable {
	return &limiterTable{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*bucket)}
}

// allow takes one token from key's bucket.
func (t *limiterTable) allow(key string, now time.Time) bool {
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		if len(t.buckets) >= limiterSweepAt {
			t.sweep(now)
		}
		b = &bucket{lim: rate.NewLimiter(t.rps, t.burst)}
		t.buckets[key] = b
	}
	b.lastSeen = now
	t.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold t.mu.
func (t *limiterTable) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for k, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, k)
		}
	}
}

// RateLimitMiddleware applies a token bucket per caller. Callers that name
// themselves with X-Service-Name get a bucket per service; anonymous callers
// share one per client IP.
func RateLimitMiddleware(rps float64, burst int) Middleware {
	table := newLimiterTable(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(callerKey(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if svc := r.Header.Get("X-Service-Name"); svc != "" {
		return "svc:" + svc
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the first X-Forwarded-For hop and falls back to
// RemoteAddr. X-Forwarded-For is only trustworthy behind a proxy that sets
// it.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound request body.
const maxRequestBodyBytes = 4 << 20

// MaxBodyMiddleware caps request bodies at maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}
