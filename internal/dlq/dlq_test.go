package dlq_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/bus"
	"github.com/snehjoshi/svcbus/internal/communicator"
	"github.com/snehjoshi/svcbus/internal/dlq"
	"github.com/snehjoshi/svcbus/internal/envelope"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRecorder(t *testing.T, opts ...dlq.Option) (*bus.Bus, *dlq.Recorder) {
	t.Helper()
	b, err := bus.New(context.Background(), bus.WithLogger(discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	r, err := dlq.New(communicator.New("dlq", b), append([]dlq.Option{dlq.WithLogger(discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return b, r
}

// announce publishes a delivery.failed notification the way the bus does.
func announce(t *testing.T, b *bus.Bus, id string) {
	t.Helper()
	e, err := envelope.New(envelope.TopicDeliveryFailed, bus.Source, envelope.DeliveryFailed{
		EnvelopeID: id,
		Topic:      "orders.created",
		Reason:     "boom",
		Priority:   envelope.Normal,
		Attempts:   3,
	}, envelope.WithPriority(envelope.Low))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), envelope.TopicDeliveryFailed, e)
	require.NoError(t, err)
}

func ids(entries []dlq.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EnvelopeID)
	}
	return out
}

func TestRecorder_CapturesBusAbandonment(t *testing.T) {
	b, r := newRecorder(t)
	_, err := b.Subscribe("orders", "orders.created", func(context.Context, envelope.Envelope) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	e, err := envelope.New("orders.created", "shop", map[string]int{"n": 1}, envelope.WithPriority(envelope.Low))
	require.NoError(t, err)
	id, err := b.Publish(context.Background(), "orders.created", e)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := r.List(0)[0]
	assert.Equal(t, id, got.EnvelopeID)
	assert.Equal(t, "orders.created", got.Topic)
	assert.Equal(t, envelope.Low, got.Priority)
	assert.Contains(t, got.Reason, "always fails")
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestRecorder_ListNewestOldestFirst(t *testing.T) {
	b, r := newRecorder(t)
	for i := range 4 {
		announce(t, b, fmt.Sprintf("e%d", i))
	}
	require.Eventually(t, func() bool { return r.Len() == 4 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"e2", "e3"}, ids(r.List(2)))
	assert.Equal(t, []string{"e0", "e1", "e2", "e3"}, ids(r.List(0)))
	assert.Equal(t, 4, r.Len(), "List must not consume")
}

func TestRecorder_DrainRemovesOldest(t *testing.T) {
	b, r := newRecorder(t)
	for i := range 3 {
		announce(t, b, fmt.Sprintf("e%d", i))
	}
	require.Eventually(t, func() bool { return r.Len() == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"e0", "e1"}, ids(r.Drain(2)))
	assert.Equal(t, []string{"e2"}, ids(r.Drain(0)))
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Drain(5))
}

func TestRecorder_CapacityEvictsOldest(t *testing.T) {
	b, r := newRecorder(t, dlq.WithCapacity(2))
	for i := range 5 {
		announce(t, b, fmt.Sprintf("e%d", i))
	}
	require.Eventually(t, func() bool { return r.Dropped() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e3", "e4"}, ids(r.List(0)))
}

func TestRecorder_CloseStopsRecording(t *testing.T) {
	b, r := newRecorder(t)
	announce(t, b, "before")
	require.Eventually(t, func() bool { return r.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	r.Close()
	assert.Zero(t, b.SubscriberCount(envelope.TopicDeliveryFailed))
	announce(t, b, "after")
	assert.Equal(t, []string{"before"}, ids(r.List(0)))
}
