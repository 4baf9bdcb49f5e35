package client

import "time"

// ServiceRegistration announces a service.
type ServiceRegistration struct {
	Name           string   `json:"name"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	HealthEndpoint string   `json:"healthEndpoint,omitempty"`
	Routes         []string `json:"routes,omitempty"`
}

// Service is the registry's view of one service.
type Service struct {
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	HealthEndpoint string    `json:"healthEndpoint,omitempty"`
	Routes         []string  `json:"routes,omitempty"`
	Status         string    `json:"status"` // "active" | "inactive"
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// Active reports whether the service is currently active.
func (s Service) Active() bool { return s.Status == "active" }

// HealthStatus is a service's answer to a health probe.
type HealthStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TopicInfo describes one subscribed topic.
type TopicInfo struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// PendingDelivery is a delivery awaiting a retry.
type PendingDelivery struct {
	Key         string    `json:"key"`
	EnvelopeID  string    `json:"envelopeId"`
	Topic       string    `json:"topic"`
	Priority    string    `json:"priority"`
	Subscriber  string    `json:"subscriber,omitempty"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	Persisted   bool      `json:"persisted"`
}

// FailedDelivery is a delivery the bus gave up on.
type FailedDelivery struct {
	EnvelopeID string    `json:"envelopeId"`
	Topic      string    `json:"topic"`
	Reason     string    `json:"reason"`
	Priority   string    `json:"priority"`
	Attempts   int       `json:"attempts"`
	Source     string    `json:"source,omitempty"`
	Subscriber string    `json:"subscriber,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Webhook is one registered HTTP subscription.
type Webhook struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Topic     string    `json:"topic"`
	URL       string    `json:"url"`
	Signed    bool      `json:"signed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Health is the /health response.
type Health struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
	Node     string `json:"node"`
	Backend  string `json:"backend"`
	Pending  int    `json:"pending"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// Stats is the broker-wide snapshot.
type Stats struct {
	Instance         string        `json:"instance"`
	Node             string        `json:"node"`
	Backend          string        `json:"backend"`
	Uptime           time.Duration `json:"uptime"`
	Topics           int           `json:"topics"`
	Pending          int           `json:"pending"`
	ActiveServices   int           `json:"activeServices"`
	InactiveServices int           `json:"inactiveServices"`
	DeadLetters      int           `json:"deadLetters"`
	Webhooks         int           `json:"webhooks"`
}

