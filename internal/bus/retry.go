package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/store"
)

// storeTimeout bounds every store call made on the delivery path.
const storeTimeout = 5 * time.Second

// pendingDelivery is one envelope waiting for a retry to one subscriber.
//
// A record recovered from the store has no subscriber yet (sub == nil). When
// its retry fires it fans out to every subscription matching at that moment.
//
// env is written only by fire, under Bus.mu.
type pendingDelivery struct {
	key       string
	env       envelope.Envelope
	sub       *Subscription
	backoff   backoff.BackOff
	persisted atomic.Bool
}

// PendingInfo describes a pending delivery for operators.
type PendingInfo struct {
	Key         string            `json:"key"`
	EnvelopeID  string            `json:"envelopeId"`
	Topic       string            `json:"topic"`
	Priority    envelope.Priority `json:"priority"`
	Subscriber  string            `json:"subscriber,omitempty"`
	Attempts    int               `json:"attempts"`
	NextRetryAt time.Time         `json:"nextRetryAt"`
	Persisted   bool              `json:"persisted"`
}

func pendingKey(envelopeID, subID string) string { return envelopeID + "/" + subID }

func recoveredKey(envelopeID string) string { return "recovered/" + envelopeID }

func storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// recover loads every persisted record and arms its retry.
func (b *Bus) recover(ctx context.Context) error {
	recs, err := b.store.LoadAll(ctx)
	var skipped *store.SkippedError
	switch {
	case errors.As(err, &skipped):
		// A poison record stays in the store for an operator; the rest
		// of the pending set is still recovered.
		for _, id := range skipped.IDs {
			b.metrics.PersistError("load")
			b.log.Warn("skipping undecodable persisted record", "envelope_id", id)
		}
	case err != nil:
		b.metrics.PersistError("load")
		return fmt.Errorf("bus: load pending records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	earliest := b.now().Add(b.recoveryGrace)
	b.storeMu.Lock()
	b.mu.Lock()
	for _, rec := range recs {
		e := rec.Envelope
		e.Attempts = rec.Attempts
		policy := b.policies.For(e.Priority)
		pd := &pendingDelivery{
			key:     recoveredKey(e.ID),
			env:     e,
			backoff: policy.BackOffAfter(rec.Attempts + 1),
		}
		pd.persisted.Store(true)
		b.pending[pd.key] = pd
		b.refs[e.ID] = map[string]struct{}{pd.key: {}}

		at := rec.NextRetryAt
		if at.Before(earliest) {
			at = earliest
		}
		b.sched.Schedule(pd.key, at)
	}
	b.updatePendingGauge()
	b.mu.Unlock()
	b.storeMu.Unlock()

	b.log.Info("recovered pending envelopes", "count", len(recs))
	return nil
}

// settle records the outcome of one handler call.
func (b *Bus) settle(sub *Subscription, d delivery, err error) {
	if err == nil {
		if d.pd != nil {
			b.resolve(d.pd)
			b.log.Info("delivery succeeded after retry",
				"topic", d.env.Topic, "envelope_id", d.env.ID,
				"subscriber", sub.id, "attempts", d.env.Attempts)
		}
		return
	}
	b.fail(sub, d, err)
}

func (b *Bus) fail(sub *Subscription, d delivery, err error) {
	e := d.env
	log := b.log.With(
		"topic", e.Topic, "envelope_id", e.ID, "subscriber", sub.id,
		"priority", e.Priority.String(), "attempts", e.Attempts,
	)
	policy := b.policies.For(e.Priority)

	if !policy.Retries() {
		log.Warn("delivery failed", "err", err)
		return
	}

	pd := d.pd
	if b.isClosed() {
		// The handler was cut short by Close. HIGH and CRITICAL work is
		// handed to the next process.
		if policy.Persist {
			b.persistDetached(e, b.now().Add(nextDelay(pd, policy)))
			log.Info("delivery interrupted by shutdown, persisted", "err", err)
		}
		return
	}
	if pd == nil {
		if !sub.active() {
			return
		}
		pd = &pendingDelivery{
			key:     pendingKey(e.ID, sub.id),
			env:     e,
			sub:     sub,
			backoff: policy.NewBackOff(),
		}
	} else if !b.isPending(pd) {
		// Dropped by Unsubscribe while the handler ran.
		return
	}

	if policy.Exhausted(e.Attempts) {
		b.abandon(pd, e, err)
		return
	}
	log.Warn("delivery failed, retry scheduled", "err", err)
	b.retry(pd, e, policy)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// nextDelay is the wait before the retry that would follow a failure of pd,
// or of a first attempt when pd is nil.
func nextDelay(pd *pendingDelivery, policy envelope.Policy) time.Duration {
	bo := policy.NewBackOff()
	if pd != nil {
		bo = pd.backoff
	}
	if d := bo.NextBackOff(); d != backoff.Stop {
		return d
	}
	return policy.MaxInterval
}

// persistQueued hands deliveries that never reached their handler to the
// next process. A queued retry already counted its attempt on fire, so the
// record keeps the attempts actually made.
func (b *Bus) persistQueued(queued []delivery) int {
	now := b.now()
	n := 0
	for _, d := range queued {
		if !b.policies.For(d.env.Priority).Persist {
			continue
		}
		e := d.env
		if d.pd != nil && e.Attempts > 0 {
			e.Attempts--
		}
		b.persistDetached(e, now)
		n++
	}
	return n
}

func (b *Bus) isPending(pd *pendingDelivery) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[pd.key] == pd
}

// retry arms the next attempt of pd. e is the envelope as last delivered.
func (b *Bus) retry(pd *pendingDelivery, e envelope.Envelope, policy envelope.Policy) {
	delay := pd.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = policy.MaxInterval
	}
	at := b.now().Add(delay)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// Keep HIGH and CRITICAL work for the next process.
		if policy.Persist {
			b.persistDetached(e, at)
		}
		return
	}
	if pd.sub != nil && !pd.sub.active() {
		b.mu.Unlock()
		b.release(pd)
		return
	}
	b.pending[pd.key] = pd
	b.updatePendingGauge()
	b.mu.Unlock()

	if policy.Persist {
		b.persist(pd, at)
	}

	b.mu.Lock()
	if b.pending[pd.key] == pd {
		b.sched.Schedule(pd.key, at)
	}
	b.mu.Unlock()
	b.metrics.Retried(e.Topic, e.Priority.String())
}

// persist writes pd's record and takes a ref on it. A write failure is
// logged and the retry continues in memory only.
func (b *Bus) persist(pd *pendingDelivery, at time.Time) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	b.mu.Lock()
	live := b.pending[pd.key] == pd
	e := pd.env.Clone()
	b.mu.Unlock()
	if !live {
		return
	}

	set := b.refs[e.ID]
	if set == nil {
		set = make(map[string]struct{}, 1)
		b.refs[e.ID] = set
	}
	set[pd.key] = struct{}{}

	ctx, cancel := storeCtx()
	defer cancel()
	rec := store.Record{Envelope: e, NextRetryAt: at.UTC(), Attempts: e.Attempts}
	if err := b.store.Persist(ctx, rec); err != nil {
		b.metrics.PersistError("persist")
		b.log.Warn("persist failed, retry continues in memory only",
			"topic", e.Topic, "envelope_id", e.ID, "err", err)
		return
	}
	pd.persisted.Store(true)
}

// persistDetached writes a record without tracking it, used once the bus
// is closed and the record belongs to the next process.
func (b *Bus) persistDetached(e envelope.Envelope, at time.Time) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	ctx, cancel := storeCtx()
	defer cancel()
	rec := store.Record{Envelope: e.Clone(), NextRetryAt: at.UTC(), Attempts: e.Attempts}
	if err := b.store.Persist(ctx, rec); err != nil {
		b.metrics.PersistError("persist")
		b.log.Warn("persist on shutdown failed",
			"topic", e.Topic, "envelope_id", e.ID, "err", err)
	}
}

// release drops pd's ref on its persisted record and removes the record
// once no pending delivery refers to it. Safe to call more than once.
func (b *Bus) release(pd *pendingDelivery) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	id := pd.env.ID
	set := b.refs[id]
	if _, ok := set[pd.key]; !ok {
		return
	}
	delete(set, pd.key)
	if len(set) > 0 {
		return
	}
	delete(b.refs, id)

	ctx, cancel := storeCtx()
	defer cancel()
	if err := b.store.Remove(ctx, id); err != nil {
		b.metrics.PersistError("remove")
		b.log.Warn("remove persisted record failed", "envelope_id", id, "err", err)
	}
}

// resolve ends pd after a successful retry.
func (b *Bus) resolve(pd *pendingDelivery) {
	b.mu.Lock()
	if b.pending[pd.key] == pd {
		delete(b.pending, pd.key)
		b.updatePendingGauge()
	}
	b.mu.Unlock()
	b.release(pd)
}

// abandon gives up on pd and broadcasts delivery.failed.
func (b *Bus) abandon(pd *pendingDelivery, e envelope.Envelope, cause error) {
	b.mu.Lock()
	if b.pending[pd.key] == pd {
		delete(b.pending, pd.key)
		b.updatePendingGauge()
	}
	b.mu.Unlock()
	b.release(pd)

	subID := ""
	if pd.sub != nil {
		subID = pd.sub.id
	}
	b.metrics.Abandoned(e.Topic, e.Priority.String())
	b.log.Error("delivery abandoned, retries exhausted",
		"topic", e.Topic, "envelope_id", e.ID, "subscriber", subID,
		"priority", e.Priority.String(), "attempts", e.Attempts, "err", cause)

	if e.Topic == envelope.TopicDeliveryFailed {
		return
	}
	b.notifyFailed(e, subID, cause)
}

func (b *Bus) notifyFailed(e envelope.Envelope, subID string, cause error) {
	reason := "no subscriber"
	if cause != nil {
		reason = cause.Error()
	}
	n, err := envelope.For(Source, envelope.DeliveryFailed{
		EnvelopeID: e.ID,
		Topic:      e.Topic,
		Reason:     reason,
		Priority:   e.Priority,
		Attempts:   e.Attempts,
		Source:     e.Source,
		Subscriber: subID,
	}, envelope.WithPriority(envelope.Low))
	if err != nil {
		b.log.Warn("build delivery.failed notification", "envelope_id", e.ID, "err", err)
		return
	}
	if _, err := b.Publish(context.Background(), n.Topic, n); err != nil && !errors.Is(err, ErrClosed) {
		b.log.Warn("publish delivery.failed notification", "envelope_id", e.ID, "err", err)
	}
}

// fire runs on the scheduler goroutine when a retry is due.
func (b *Bus) fire(key string) {
	b.mu.Lock()
	pd := b.pending[key]
	if pd == nil || b.closed {
		b.mu.Unlock()
		return
	}
	if pd.sub != nil {
		pd.env.Attempts++
		pd.sub.enqueue(delivery{env: pd.env.Clone(), pd: pd})
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.fireRecovered(pd)
}

// fireRecovered fans a recovered record out to the subscriptions matching
// it now. Each target gets its own pending delivery; the persisted record
// stays until all of them settle.
func (b *Bus) fireRecovered(pd *pendingDelivery) {
	b.storeMu.Lock()
	b.mu.Lock()
	if b.pending[pd.key] != pd || b.closed {
		b.mu.Unlock()
		b.storeMu.Unlock()
		return
	}
	pd.env.Attempts++
	e := pd.env.Clone()
	policy := b.policies.For(e.Priority)

	var targets []*Subscription
	for _, sub := range b.topics[e.Topic] {
		if sub.accepts(e) {
			targets = append(targets, sub)
		}
	}
	if len(targets) == 0 {
		b.mu.Unlock()
		b.storeMu.Unlock()

		b.log.Warn("recovered envelope has no subscriber",
			"topic", e.Topic, "envelope_id", e.ID, "attempts", e.Attempts)
		if policy.Exhausted(e.Attempts) {
			b.abandon(pd, e, nil)
			return
		}
		b.retry(pd, e, policy)
		return
	}

	delete(b.pending, pd.key)
	set := b.refs[e.ID]
	delete(set, pd.key)
	if set == nil {
		set = make(map[string]struct{}, len(targets))
		b.refs[e.ID] = set
	}
	for _, sub := range targets {
		npd := &pendingDelivery{
			key:     pendingKey(e.ID, sub.id),
			env:     e.Clone(),
			sub:     sub,
			backoff: policy.BackOffAfter(e.Attempts),
		}
		npd.persisted.Store(pd.persisted.Load())
		b.pending[npd.key] = npd
		set[npd.key] = struct{}{}
		sub.enqueue(delivery{env: e.Clone(), pd: npd})
	}
	b.updatePendingGauge()
	b.mu.Unlock()
	b.storeMu.Unlock()

	b.log.Info("resumed recovered envelope",
		"topic", e.Topic, "envelope_id", e.ID, "subscribers", len(targets), "attempts", e.Attempts)
}
