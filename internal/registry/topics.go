package registry

import (
	"context"
	"encoding/json"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/envelope"
)

// subscribe wires the registry to the service.* topics. A payload that does
// not decode fails the delivery; a decoded but invalid one is logged and
// acknowledged, since retrying it cannot succeed.
func (r *Registry) subscribe() error {
	steps := []func() (*bus.Subscription, error){
		func() (*bus.Subscription, error) {
			return communicator.OnTyped(r.comm, envelope.TopicServiceRegister, r.onRegister)
		},
		func() (*bus.Subscription, error) {
			return communicator.OnTyped(r.comm, envelope.TopicServiceDeregister, r.onDeregister)
		},
		func() (*bus.Subscription, error) {
			return communicator.OnTyped(r.comm, envelope.TopicServiceHeartbeat, r.onHeartbeat)
		},
		func() (*bus.Subscription, error) {
			return r.comm.OnMessage(envelope.TopicHealthCheck, r.onHealthCheck)
		},
	}
	for _, step := range steps {
		sub, err := step()
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) onRegister(ctx context.Context, s envelope.ServiceRegister, e envelope.Envelope) error {
	if s.Name == "" {
		s.Name = e.Source
	}
	rec, err := r.Register(ctx, s)
	if err != nil {
		r.log.Warn("rejecting registration", "source", e.Source, "err", err)
		return nil
	}

	ack := envelope.ServiceRegistered{Name: rec.Name, Status: string(rec.Status), Message: "registered"}
	if e.CorrelationID != "" {
		if _, err := r.comm.Respond(ctx, e, ack); err != nil {
			r.log.Warn("respond to registration", "name", rec.Name, "err", err)
		}
	}
	if e.Source == "" {
		_, err = r.comm.Broadcast(ctx, envelope.TopicServiceRegistered, ack)
	} else {
		_, err = r.comm.SendToService(ctx, e.Source, envelope.TopicServiceRegistered, ack)
	}
	if err != nil {
		r.log.Warn("send service.registered", "name", rec.Name, "err", err)
	}
	return nil
}

func (r *Registry) onDeregister(ctx context.Context, s envelope.ServiceDeregister, e envelope.Envelope) error {
	name := s.Name
	if name == "" {
		name = e.Source
	}
	if err := r.Deregister(ctx, name); err != nil {
		r.log.Warn("deregister", "name", name, "source", e.Source, "err", err)
	}
	return nil
}

func (r *Registry) onHeartbeat(_ context.Context, h envelope.Heartbeat, e envelope.Envelope) error {
	name := h.Name
	if name == "" {
		name = e.Source
	}
	if err := r.UpdateHeartbeat(name); err != nil {
		r.log.Debug("heartbeat from unknown service", "name", name)
	}
	return nil
}

// onHealthCheck treats a health check sent by a known service as a sign of
// life, and answers checks addressed to the registry itself.
func (r *Registry) onHealthCheck(ctx context.Context, _ json.RawMessage, e envelope.Envelope) error {
	if e.Source != "" {
		_ = r.UpdateHeartbeat(e.Source)
	}
	if e.CorrelationID == "" || e.Destination != r.comm.Name() {
		return nil
	}
	_, err := r.comm.Respond(ctx, e, envelope.HealthStatus{
		Name:      r.comm.Name(),
		Status:    "healthy",
		Timestamp: r.now().UTC(),
	})
	return err
}
