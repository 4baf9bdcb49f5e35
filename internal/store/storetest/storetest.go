// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/svcbus/internal/envelope"
	"github.com/snehjoshi/svcbus/internal/ids"
	"github.com/snehjoshi/svcbus/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Reopener closes s and returns a new store over the same durable medium.
// Backends without a durable medium pass nil.
type Reopener func(t *testing.T, s store.Store) store.Store

// Corrupter writes an undecodable value under id, bypassing s's encoder, and
// returns the store to keep using. Backends that cannot hold raw bytes pass
// nil.
type Corrupter func(t *testing.T, s store.Store, id string) store.Store

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory, reopen Reopener, corrupt Corrupter) {
	t.Run("PersistGet", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		r := record(t, envelope.High, 2)
		require.NoError(t, s.Persist(ctx, r))

		got, err := s.Get(ctx, r.ID())
		require.NoError(t, err)
		assertSame(t, r, got)
	})

	t.Run("PersistOverwrites", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		r := record(t, envelope.Critical, 0)
		require.NoError(t, s.Persist(ctx, r))
		r.Attempts = 4
		r.Envelope.Attempts = 4
		r.NextRetryAt = r.NextRetryAt.Add(time.Minute)
		require.NoError(t, s.Persist(ctx, r))

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assertSame(t, r, all[0])
	})

	t.Run("RemoveAndMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		r := record(t, envelope.High, 1)
		require.NoError(t, s.Persist(ctx, r))
		require.NoError(t, s.Remove(ctx, r.ID()))
		require.NoError(t, s.Remove(ctx, r.ID()), "removing a missing id is not an error")

		_, err := s.Get(ctx, r.ID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("LoadAllOrdered", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()
		ctx := context.Background()

		base := time.Now().UTC().Truncate(time.Millisecond)
		late := record(t, envelope.High, 0)
		late.NextRetryAt = base.Add(3 * time.Second)
		early := record(t, envelope.Critical, 0)
		early.NextRetryAt = base.Add(time.Second)
		mid := record(t, envelope.High, 0)
		mid.NextRetryAt = base.Add(2 * time.Second)
		for _, r := range []store.Record{late, early, mid} {
			require.NoError(t, s.Persist(ctx, r))
		}

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, early.ID(), all[0].ID())
		assert.Equal(t, mid.ID(), all[1].ID())
		assert.Equal(t, late.ID(), all[2].ID())
	})

	t.Run("EmptyLoadAll", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		all, err := s.LoadAll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	if corrupt != nil {
		t.Run("LoadAllSkipsUndecodable", func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			good := record(t, envelope.Critical, 1)
			require.NoError(t, s.Persist(ctx, good))
			s = corrupt(t, s, "poison-1")
			defer s.Close()

			all, err := s.LoadAll(ctx)
			var skipped *store.SkippedError
			require.ErrorAs(t, err, &skipped)
			assert.Equal(t, []string{"poison-1"}, skipped.IDs)
			require.Len(t, all, 1, "decodable records are still returned")
			assertSame(t, good, all[0])
		})
	}

	if reopen == nil {
		return
	}
	t.Run("SurvivesReopen", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		keep := record(t, envelope.Critical, 7)
		gone := record(t, envelope.High, 1)
		require.NoError(t, s.Persist(ctx, keep))
		require.NoError(t, s.Persist(ctx, gone))
		require.NoError(t, s.Remove(ctx, gone.ID()))

		s = reopen(t, s)
		defer s.Close()

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assertSame(t, keep, all[0])
	})
}

func record(t *testing.T, p envelope.Priority, attempts int) store.Record {
	t.Helper()
	e, err := envelope.New("orders.placed", "checkout",
		map[string]any{"orderId": ids.MustNew(), "total": 42},
		envelope.WithPriority(p),
		envelope.WithMetadata(map[string]string{"trace": "abc"}),
	)
	require.NoError(t, err)
	e.Attempts = attempts
	e.CreatedAt = e.CreatedAt.Truncate(time.Millisecond)
	return store.Record{
		Envelope:    e,
		NextRetryAt: time.Now().UTC().Add(time.Second).Truncate(time.Millisecond),
		Attempts:    attempts,
	}
}

func assertSame(t *testing.T, want, got store.Record) {
	t.Helper()
	assert.Equal(t, want.ID(), got.ID())
	assert.Equal(t, want.Attempts, got.Attempts)
	assert.True(t, want.NextRetryAt.Equal(got.NextRetryAt), "nextRetryAt: want %s got %s", want.NextRetryAt, got.NextRetryAt)
	assert.True(t, want.Envelope.CreatedAt.Equal(got.Envelope.CreatedAt))
	assert.Equal(t, want.Envelope.Topic, got.Envelope.Topic)
	assert.Equal(t, want.Envelope.Priority, got.Envelope.Priority)
	assert.Equal(t, want.Envelope.Source, got.Envelope.Source)
	assert.Equal(t, want.Envelope.Metadata, got.Envelope.Metadata)
	assert.JSONEq(t, string(want.Envelope.Payload), string(json.RawMessage(got.Envelope.Payload)))
}
