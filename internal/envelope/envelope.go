// Package envelope defines the unit of transport on the bus, the four
// priority tiers and the retry/persistence policy attached to each tier.
//
// Envelope format rules:
//   - Fields are only added, never renamed or removed. Persisted envelopes
//     must always remain readable after an upgrade.
//   - ID is a ULID assigned at creation and never changes.
//   - Attempts is the only field the bus mutates after publish.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/snehjoshi/svcbus/internal/ids"
)

// Priority selects the retry and persistence contract of an envelope.
type Priority uint8

const (
	// Low is fire-and-forget: a failed delivery is logged and dropped.
	Low Priority = iota
	// Normal retries a few times with a fixed delay, in memory only.
	Normal
	// High retries with capped exponential backoff and is persisted until
	// delivered or abandoned.
	High
	// Critical retries forever with capped exponential backoff and stays
	// persisted until delivered.
	Critical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

// String returns the lower-case tier name.
func (p Priority) String() string {
	if int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool { return p <= Critical }

// ParsePriority parses a tier name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return Low, fmt.Errorf("envelope: unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("envelope: invalid priority %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Envelope is the structured message unit carried by the bus.
type Envelope struct {
	// ID uniquely identifies the envelope for the lifetime of the bus.
	ID string `json:"id"`
	// Topic is the dot-namespaced routing key, e.g. "service.register".
	Topic string `json:"topic"`
	// Payload is opaque to the bus. Well-known topics have a typed schema,
	// see Decode and DecodePayload.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Priority is chosen by the producer and is the sole input to the
	// bus's failure handling.
	Priority Priority `json:"priority"`
	// Source names the producing service.
	Source string `json:"source"`
	// Destination, when set, restricts delivery to subscriptions owned by
	// that service. Empty means broadcast to every topic subscriber.
	Destination string `json:"destination,omitempty"`
	// CorrelationID links a response to the request that caused it.
	CorrelationID string `json:"correlationId,omitempty"`
	// ReplyTo is the topic a responder publishes its answer to.
	ReplyTo string `json:"replyTo,omitempty"`
	// Metadata carries optional producer headers.
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	// Attempts counts retries. Zero on first delivery, only ever increases.
	Attempts int `json:"attempts"`
}

// Option customises an envelope built by New.
type Option func(*Envelope)

// WithPriority sets the delivery tier. The default is Normal.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithDestination targets a single service.
func WithDestination(service string) Option {
	return func(e *Envelope) { e.Destination = service }
}

// WithCorrelationID links the envelope to a request.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithReplyTo sets the topic responses should be published to.
func WithReplyTo(topic string) Option {
	return func(e *Envelope) { e.ReplyTo = topic }
}

// WithMetadata merges headers into the envelope metadata.
func WithMetadata(md map[string]string) Option {
	return func(e *Envelope) {
		if len(md) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(e.Metadata, md)
	}
}

// New builds an envelope with a fresh id, encoding payload with the
// package codec. A payload that is already a json.RawMessage or []byte is
// used verbatim.
func New(topic, source string, payload any, opts ...Option) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: encode payload for %s: %w", topic, err)
	}
	id, err := ids.New()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate id: %w", err)
	}
	e := Envelope{
		ID:        id,
		Topic:     topic,
		Payload:   raw,
		Priority:  Normal,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// For builds an envelope from a typed payload, taking the topic from the
// payload itself.
func For(source string, p Typed, opts ...Option) (Envelope, error) {
	return New(p.PayloadTopic(), source, p, opts...)
}

// IsBroadcast reports whether the envelope has no single destination.
func (e Envelope) IsBroadcast() bool { return e.Destination == "" }

// Clone returns a deep copy so callers can mutate bookkeeping fields
// without affecting other holders of the envelope.
func (e Envelope) Clone() Envelope {
	c := e
	c.Payload = slices.Clone(e.Payload)
	c.Metadata = maps.Clone(e.Metadata)
	return c
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return slices.Clone(v), nil
	case []byte:
		if !Valid(v) {
			return nil, fmt.Errorf("payload bytes are not valid JSON")
		}
		return slices.Clone(v), nil
	default:
		return Marshal(v)
	}
}
