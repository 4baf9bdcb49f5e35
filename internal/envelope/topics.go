package envelope

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Well-known topics shared between the bus, the registry and application
// services.
const (
	TopicServiceRegister    = "service.register"
	TopicServiceRegistered  = "service.registered"
	TopicServiceDeregister  = "service.deregister"
	TopicServiceAvailable   = "service.available"
	TopicServiceUnavailable = "service.unavailable"
	TopicServiceHeartbeat   = "service.heartbeat"
	TopicHealthCheck        = "service.health.check"
	TopicDeliveryFailed     = "delivery.failed"
)

var (
	// ErrUnknownSchema is returned by DecodePayload for topics without a
	// registered payload type.
	ErrUnknownSchema = errors.New("envelope: no schema registered for topic")
	// ErrEmptyPayload is returned when decoding an envelope with no payload.
	ErrEmptyPayload = errors.New("envelope: empty payload")
)

// Typed is implemented by payload types bound to a single topic.
type Typed interface {
	PayloadTopic() string
}

// ServiceRegister announces a service to the registry.
type ServiceRegister struct {
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	HealthEndpoint string   `json:"healthEndpoint,omitempty"`
	Routes         []string `json:"routes,omitempty"`
}

func (ServiceRegister) PayloadTopic() string { return TopicServiceRegister }

// ServiceRegistered is the registry's acknowledgement of a registration.
type ServiceRegistered struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (ServiceRegistered) PayloadTopic() string { return TopicServiceRegistered }

// ServiceDeregister asks the registry to mark a service inactive.
type ServiceDeregister struct {
	Name string `json:"name"`
}

func (ServiceDeregister) PayloadTopic() string { return TopicServiceDeregister }

// ServiceAvailable is broadcast when a service becomes active.
type ServiceAvailable struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Timestamp time.Time `json:"timestamp"`
}

func (ServiceAvailable) PayloadTopic() string { return TopicServiceAvailable }

// ServiceUnavailable is broadcast when a service becomes inactive.
type ServiceUnavailable struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

func (ServiceUnavailable) PayloadTopic() string { return TopicServiceUnavailable }

// Heartbeat is a periodic liveness signal.
type Heartbeat struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

func (Heartbeat) PayloadTopic() string { return TopicServiceHeartbeat }

// HealthCheck asks a service to report its health.
type HealthCheck struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

func (HealthCheck) PayloadTopic() string { return TopicHealthCheck }

// HealthStatus answers a HealthCheck. It travels on a response topic.
type HealthStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryFailed reports an envelope the bus gave up on.
type DeliveryFailed struct {
	EnvelopeID string   `json:"envelopeId"`
	Topic      string   `json:"topic"`
	Reason     string   `json:"reason"`
	Priority   Priority `json:"priority"`
	Attempts   int      `json:"attempts"`
	Source     string   `json:"source,omitempty"`
	Subscriber string   `json:"subscriber,omitempty"`
}

func (DeliveryFailed) PayloadTopic() string { return TopicDeliveryFailed }

var (
	schemaMu sync.RWMutex
	schemas  = map[string]func() any{}
)

func init() {
	RegisterSchema[ServiceRegister]()
	RegisterSchema[ServiceRegistered]()
	RegisterSchema[ServiceDeregister]()
	RegisterSchema[ServiceAvailable]()
	RegisterSchema[ServiceUnavailable]()
	RegisterSchema[Heartbeat]()
	RegisterSchema[HealthCheck]()
	RegisterSchema[DeliveryFailed]()
}

// RegisterSchema binds payload type T to the topic it reports. Registering
// the same topic twice replaces the earlier binding.
func RegisterSchema[T Typed]() {
	var zero T
	topic := zero.PayloadTopic()
	schemaMu.Lock()
	schemas[topic] = func() any { return new(T) }
	schemaMu.Unlock()
}

// HasSchema reports whether topic has a registered payload type.
func HasSchema(topic string) bool {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	_, ok := schemas[topic]
	return ok
}

// DecodePayload decodes the payload into the type registered for the
// envelope's topic and returns a pointer to it, e.g. *ServiceRegister.
func DecodePayload(e Envelope) (any, error) {
	schemaMu.RLock()
	factory, ok := schemas[e.Topic]
	schemaMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, e.Topic)
	}
	if len(e.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	v := factory()
	if err := Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("envelope: decode %s payload: %w", e.Topic, err)
	}
	return v, nil
}
