package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
)

func TestNew_AssignsIdentityAndDefaults(t *testing.T) {
	e, err := envelope.New("get.user", "api-gateway", map[string]int{"userId": 1})
	require.NoError(t, err)

	assert.True(t, ids.Valid(e.ID))
	assert.Equal(t, "get.user", e.Topic)
	assert.Equal(t, "api-gateway", e.Source)
	assert.Equal(t, envelope.Normal, e.Priority)
	assert.True(t, e.IsBroadcast())
	assert.Zero(t, e.Attempts)
	assert.WithinDuration(t, time.Now(), e.CreatedAt, time.Second)
	assert.JSONEq(t, `{"userId":1}`, string(e.Payload))
}

func TestNew_Options(t *testing.T) {
	e, err := envelope.New("get.user", "api", nil,
		envelope.WithPriority(envelope.Critical),
		envelope.WithDestination("doc-svc"),
		envelope.WithCorrelationID("corr-1"),
		envelope.WithReplyTo("_response.corr-1"),
		envelope.WithMetadata(map[string]string{"tenant": "acme"}),
	)
	require.NoError(t, err)

	assert.Equal(t, envelope.Critical, e.Priority)
	assert.Equal(t, "doc-svc", e.Destination)
	assert.False(t, e.IsBroadcast())
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "_response.corr-1", e.ReplyTo)
	assert.Equal(t, "acme", e.Metadata["tenant"])
	assert.Nil(t, e.Payload)
}

func TestNew_RawPayloadUsedVerbatim(t *testing.T) {
	e, err := envelope.New("t", "s", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(e.Payload))

	_, err = envelope.New("t", "s", []byte("{not json"))
	assert.Error(t, err)
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		e, err := envelope.New("t", "s", nil)
		require.NoError(t, err)
		_, dup := seen[e.ID]
		require.False(t, dup, "duplicate id %s", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func TestClone_IsDeep(t *testing.T) {
	e, err := envelope.New("t", "s", map[string]string{"k": "v"},
		envelope.WithMetadata(map[string]string{"a": "b"}))
	require.NoError(t, err)

	c := e.Clone()
	c.Metadata["a"] = "changed"
	c.Payload[0] = '['
	c.Attempts = 7

	assert.Equal(t, "b", e.Metadata["a"])
	assert.Equal(t, byte('{'), e.Payload[0])
	assert.Zero(t, e.Attempts)
}

func TestPriority_TextRoundTrip(t *testing.T) {
	for _, p := range []envelope.Priority{envelope.Low, envelope.Normal, envelope.High, envelope.Critical} {
		b, err := p.MarshalText()
		require.NoError(t, err)

		var got envelope.Priority
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, p, got)
	}

	got, err := envelope.ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, envelope.High, got)

	_, err = envelope.ParsePriority("urgent")
	assert.Error(t, err)

	_, err = envelope.Priority(9).MarshalText()
	assert.Error(t, err)
	assert.False(t, envelope.Priority(9).Valid())
}

func TestEnvelope_JSONShape(t *testing.T) {
	e, err := envelope.New("service.register", "doc-svc",
		envelope.ServiceRegister{Name: "doc-svc", Host: "h", Port: 9},
		envelope.WithPriority(envelope.High),
		envelope.WithCorrelationID("c1"))
	require.NoError(t, err)

	b, err := envelope.Marshal(e)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	assert.Equal(t, "high", generic["priority"])
	assert.Equal(t, "c1", generic["correlationId"])
	assert.Contains(t, generic, "createdAt")
	assert.NotContains(t, generic, "destination")

	var back envelope.Envelope
	require.NoError(t, envelope.Unmarshal(b, &back))
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, envelope.High, back.Priority)
}
