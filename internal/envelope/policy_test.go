package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/svcbus/internal/envelope"
)

func TestDefaultPolicies_Table(t *testing.T) {
	ps := envelope.DefaultPolicies()

	low := ps.For(envelope.Low)
	assert.False(t, low.Retries())
	assert.False(t, low.Persist)
	assert.True(t, low.Exhausted(0))

	normal := ps.For(envelope.Normal)
	assert.Equal(t, 3, normal.MaxRetries)
	assert.False(t, normal.Persist)
	assert.False(t, normal.Exhausted(2))
	assert.True(t, normal.Exhausted(3))

	high := ps.For(envelope.High)
	assert.Equal(t, 5, high.MaxRetries)
	assert.True(t, high.Persist)
	assert.True(t, high.Exhausted(5))

	critical := ps.For(envelope.Critical)
	assert.True(t, critical.Persist)
	assert.False(t, critical.Exhausted(1_000_000))
}

func TestPolicies_InvalidTierFallsBackToLow(t *testing.T) {
	ps := envelope.DefaultPolicies()
	assert.Equal(t, ps.For(envelope.Low), ps.For(envelope.Priority(42)))
}

func TestPolicy_FixedBackOff(t *testing.T) {
	p := envelope.Policy{MaxRetries: 3, Delay: 20 * time.Millisecond}
	b := p.NewBackOff()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	}
}

func TestPolicy_ExponentialBackOffIsCapped(t *testing.T) {
	p := envelope.Policy{
		MaxRetries:      envelope.Unbounded,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2,
	}
	b := p.NewBackOff()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
}

func TestPolicy_BackOffAfterResumesSequence(t *testing.T) {
	p := envelope.Policy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
	b := p.BackOffAfter(2)
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
}
