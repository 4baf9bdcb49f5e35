// Package websocket streams bus topics to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /topics/{topic}/ws?service=<name>
//
// The connection becomes a subscription on topic owned by service (a
// generated name when omitted), so it receives broadcasts plus envelopes
// addressed to that service. The client may publish over the same
// connection.
//
// Server → client frames:
//
//	{"type":"envelope","envelope":{...}}
//	{"type":"published","envelopeId":"<ULID>","ref":"..."}
//	{"type":"error","error":"...","ref":"..."}
//
// Client → server frame:
//
//	{"type":"publish","ref":"...","topic":"...","destination":"...","priority":"high","payload":{...},"metadata":{...}}
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/svcbus/internal/broker"
	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
)

const (
	pingEvery  = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header.
	// Requests without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the tap endpoint. It reads the topic from r.PathValue.
type Handler struct {
	Broker *broker.Broker
	Log    *slog.Logger
}

// ServerFrame is the JSON structure the server sends to the client.
type ServerFrame struct {
	Type       string             `json:"type"`
	Envelope   *envelope.Envelope `json:"envelope,omitempty"`
	EnvelopeID string             `json:"envelopeId,omitempty"`
	Ref        string             `json:"ref,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// ClientFrame is the JSON structure the client sends to the server.
type ClientFrame struct {
	Type        string            `json:"type"` // "publish"
	Ref         string            `json:"ref,omitempty"`
	Topic       string            `json:"topic,omitempty"` // defaults to the tapped topic
	Destination string            `json:"destination,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// ServeHTTP upgrades the connection and pumps frames until either side
// closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	service := r.URL.Query().Get("service")
	if service == "" {
		service = "ws-" + ids.MustNew()
	}
	log := h.logger().With("component", "ws", "topic", topic, "service", service)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan ServerFrame, sendBuffer)
	sub, err := h.Broker.Bus().Subscribe(service, topic, func(_ context.Context, e envelope.Envelope) error {
		select {
		case out <- ServerFrame{Type: "envelope", Envelope: &e}:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		_ = h.write(conn, ServerFrame{Type: "error", Error: err.Error()})
		return
	}
	defer sub.Unsubscribe()
	log.Debug("tap opened")

	in := make(chan ClientFrame)
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ClientFrame
			if err := envelope.Unmarshal(raw, &cf); err != nil {
				select {
				case out <- ServerFrame{Type: "error", Error: "invalid frame: " + err.Error()}:
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case in <- cf:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("tap closed")
			return
		case f := <-out:
			if err := h.write(conn, f); err != nil {
				return
			}
		case cf := <-in:
			if err := h.write(conn, h.publish(ctx, service, topic, cf)); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) publish(ctx context.Context, service, topic string, cf ClientFrame) ServerFrame {
	if cf.Type != "publish" {
		return ServerFrame{Type: "error", Ref: cf.Ref, Error: fmt.Sprintf("unknown frame type %q", cf.Type)}
	}
	if cf.Topic != "" {
		topic = cf.Topic
	}
	priority := envelope.Normal
	if cf.Priority != "" {
		p, err := envelope.ParsePriority(cf.Priority)
		if err != nil {
			return ServerFrame{Type: "error", Ref: cf.Ref, Error: err.Error()}
		}
		priority = p
	}
	resp, err := h.Broker.Publish(ctx, broker.PublishRequest{
		Topic:       topic,
		Source:      service,
		Destination: cf.Destination,
		Priority:    priority,
		Payload:     cf.Payload,
		Metadata:    cf.Metadata,
	})
	if err != nil {
		return ServerFrame{Type: "error", Ref: cf.Ref, Error: err.Error()}
	}
	return ServerFrame{Type: "published", Ref: cf.Ref, EnvelopeID: resp.EnvelopeID}
}

func (h *Handler) write(conn *gorillaws.Conn, f ServerFrame) error {
	data, err := envelope.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
