package store

import (
	"context"
	"errors"
	"sync"
)

// Memory is a Store that keeps records in a map. Records do not survive the
// process, but do survive a bus being discarded and rebuilt on the same
// Memory, which is what restart tests need.
type Memory struct {
	mu     sync.RWMutex
	recs   map[string]Record
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

var errClosed = errors.New("store: closed")

func (m *Memory) Persist(_ context.Context, r Record) error {
	if r.ID() == "" {
		return errors.New("store: record has no envelope id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	r.Envelope = r.Envelope.Clone()
	m.recs[r.ID()] = r
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	delete(m.recs, id)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Envelope = r.Envelope.Clone()
	return r, nil
}

func (m *Memory) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		r.Envelope = r.Envelope.Clone()
		out = append(out, r)
	}
	m.mu.RUnlock()
	Sort(out)
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

// Close marks the store closed. Later writes fail; reads keep working so a
// test can inspect what was left behind.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
