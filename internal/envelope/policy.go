package envelope

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Unbounded marks a policy that retries until the handler succeeds.
const Unbounded = -1

// Policy is the failure-handling contract of one priority tier.
//
//	tier      retries          backoff               persisted
//	low       0                none                  no
//	normal    MaxRetries       fixed Delay           no
//	high      MaxRetries       exponential, capped   until delivered or abandoned
//	critical  Unbounded        exponential, capped   until delivered
type Policy struct {
	MaxRetries int
	Persist    bool

	// Delay is the fixed retry interval used when Multiplier is zero.
	Delay time.Duration

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the backoff randomization factor in [0, 1].
	Jitter float64
}

// Retries reports whether a failed delivery is ever retried.
func (p Policy) Retries() bool { return p.MaxRetries != 0 }

// Exhausted reports whether an envelope that has already been retried
// attempts times must be abandoned on its next failure.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxRetries != Unbounded && attempts >= p.MaxRetries
}

// NewBackOff returns a fresh backoff sequence for one pending delivery.
// The first NextBackOff is the delay before retry number one.
func (p Policy) NewBackOff() backoff.BackOff {
	if p.Multiplier <= 0 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// BackOffAfter returns a backoff sequence positioned as if attempts retries
// had already been scheduled. Used to resume recovered envelopes.
func (p Policy) BackOffAfter(attempts int) backoff.BackOff {
	b := p.NewBackOff()
	for i := 0; i < attempts; i++ {
		b.NextBackOff()
	}
	return b
}

// Policies maps every tier to its policy.
type Policies [Critical + 1]Policy

// For returns the policy of tier p. Invalid tiers get the Low policy.
func (ps Policies) For(p Priority) Policy {
	if !p.Valid() {
		return ps[Low]
	}
	return ps[p]
}

// DefaultPolicies returns the built-in retry table.
func DefaultPolicies() Policies {
	return Policies{
		Low: {MaxRetries: 0},
		Normal: {
			MaxRetries: 3,
			Delay:      500 * time.Millisecond,
		},
		High: {
			MaxRetries:      5,
			Persist:         true,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
		},
		Critical: {
			MaxRetries:      Unbounded,
			Persist:         true,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     time.Minute,
			Multiplier:      2,
		},
	}
}
