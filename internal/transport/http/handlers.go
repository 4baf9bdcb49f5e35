package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/snehjoshi/svcbus/internal/broker"
	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/consumer"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/registry"
)

// Version is reported by /health.
const Version = "1.0.0"

// Metadata limits, enforced on every publish path.
const (
	metaMaxKeys     = 16  // max number of key/value pairs
	metaMaxKeyBytes = 64  // max bytes per key
	metaMaxValBytes = 512 // max bytes per value
)

// codec matches encoding/json output; strict rejects unknown request fields.
var (
	codec  = sonic.ConfigStd
	strict = sonic.Config{
		EscapeHTML:            true,
		SortMapKeys:           true,
		CompactMarshaler:      true,
		CopyString:            true,
		ValidateString:        true,
		DisallowUnknownFields: true,
	}.Froze()
)

// validateMetadata returns a non-nil error if m violates any metadata limit.
func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if len(k) == 0 {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}

// validName reports whether s is usable as a topic or service name: 1-128
// bytes of letters, digits, '.', '-' and '_'.
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker *broker.Broker
	log    *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type publishReq struct {
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Priority    string            `json:"priority"` // low | normal | high | critical; default normal
	Payload     json.RawMessage   `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
}

type publishResp struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Priority string `json:"priority"`
}

type subscribeReq struct {
	Owner  string `json:"owner"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type urlResp struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Port int    `json:"port"`
}

type healthResp struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Node     string `json:"node"`
	Backend  string `json:"backend"`
	Pending  int    `json:"pending"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health / stats ───────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.broker.Stats()
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Instance: stats.Instance,
		Node:     stats.Node,
		Backend:  stats.Backend,
		Pending:  stats.Pending,
		Uptime:   stats.Uptime.String(),
		UptimeMs: stats.Uptime.Milliseconds(),
		Version:  Version,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Stats())
}

// ─── Topics ───────────────────────────────────────────────────────────────────

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	b := h.broker.Bus()
	type topicInfo struct {
		Topic       string `json:"topic"`
		Subscribers int    `json:"subscribers"`
	}
	out := []topicInfo{}
	for _, t := range b.Topics() {
		if strings.HasPrefix(t, communicator.ResponsePrefix) {
			continue
		}
		out = append(out, topicInfo{Topic: t, Subscribers: b.SubscriberCount(t)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if !validName(topic) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid topic"})
		return
	}

	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority := envelope.Normal
	if req.Priority != "" {
		p, err := envelope.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		priority = p
	}
	if req.Source == "" {
		req.Source = r.Header.Get("X-Service-Name")
	}
	if req.Source == "" {
		req.Source = "http"
	}

	resp, err := h.broker.Publish(r.Context(), broker.PublishRequest{
		Topic:       topic,
		Source:      req.Source,
		Destination: req.Destination,
		Priority:    priority,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResp{ID: resp.EnvelopeID, Topic: topic, Priority: priority.String()})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if !validName(topic) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid topic"})
		return
	}

	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	if !validName(req.Owner) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner must be a service name"})
		return
	}

	sub, err := h.broker.Webhooks().Register(req.Owner, topic, req.URL, req.Secret)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.broker.Webhooks().List()})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Webhooks().Deregister(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Registry ─────────────────────────────────────────────────────────────────

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": h.broker.Registry().List()})
}

func (h *Handler) registerService(w http.ResponseWriter, r *http.Request) {
	var req envelope.ServiceRegister
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validName(req.Name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid service name"})
		return
	}
	rec, err := h.broker.Registry().Register(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.broker.Registry().Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, registry.ErrUnknownService)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deregisterService(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Registry().Deregister(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serviceURL(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reg := h.broker.Registry()
	url, err := reg.ServiceURL(name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	port, _ := reg.ServicePort(name)
	writeJSON(w, http.StatusOK, urlResp{Name: name, URL: url, Port: port})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Registry().UpdateHeartbeat(r.PathValue("name")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request) {
	status, err := h.broker.Registry().ProbeHealth(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": h.broker.Bus().Pending()})
}

func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	writeJSON(w, http.StatusOK, map[string]any{"failed": h.broker.DeadLetters().List(limit)})
}

func (h *Handler) drainFailed(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 0)
	writeJSON(w, http.StatusOK, map[string]any{"failed": h.broker.DeadLetters().Drain(limit)})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest),
		errors.Is(err, bus.ErrInvalidTopic),
		errors.Is(err, bus.ErrInvalidPriority),
		errors.Is(err, registry.ErrInvalidService),
		errors.Is(err, consumer.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnknownService),
		errors.Is(err, consumer.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrServiceInactive):
		return http.StatusGone
	case errors.Is(err, communicator.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bus.ErrClosed),
		errors.Is(err, communicator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = codec.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := strict.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

