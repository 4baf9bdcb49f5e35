package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/store"
	"github.com/snehjoshi/svcbus/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() }, nil, nil)
}

func TestMemory_IsolatesCallerMutation(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	e, err := envelope.New("orders.placed", "checkout", map[string]int{"n": 1},
		envelope.WithMetadata(map[string]string{"k": "v"}))
	require.NoError(t, err)
	require.NoError(t, m.Persist(ctx, store.Record{Envelope: e}))

	e.Metadata["k"] = "changed"
	got, err := m.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Envelope.Metadata["k"])
}

func TestMemory_RejectsRecordWithoutID(t *testing.T) {
	m := store.NewMemory()
	err := m.Persist(context.Background(), store.Record{})
	assert.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMemory_WritesFailAfterClose(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	e, err := envelope.New("t", "s", nil)
	require.NoError(t, err)
	require.NoError(t, m.Persist(ctx, store.Record{Envelope: e}))
	require.NoError(t, m.Close())

	assert.Error(t, m.Persist(ctx, store.Record{Envelope: e}))
	all, err := m.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "reads keep working after close")
}

func TestMarshalRoundTripRejectsEmptyID(t *testing.T) {
	_, err := store.Marshal(store.Record{})
	assert.Error(t, err)
}
