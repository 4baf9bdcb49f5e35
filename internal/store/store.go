// Package store defines the persistence contract for envelopes that must
// survive a delivery failure or a process restart.
//
// Only HIGH and CRITICAL envelopes reach a Store. The bus is the only writer;
// every other component reads through LoadAll or Get.
//
// Implementations:
//   - store.Memory     in-process, lost on exit (tests, throwaway runs)
//   - bolt.Store       embedded single file, the default
//   - redis.Store      shared hash, multi-process deployments
//   - postgres.Store   shared table, multi-process deployments
//
// All methods must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/snehjoshi/svcbus/internal/envelope"
)

// ErrNotFound is returned by Get when no record exists for an id.
var ErrNotFound = errors.New("store: not found")

// SkippedError reports records LoadAll could not decode. The records it
// returned alongside are still usable.
type SkippedError struct {
	IDs []string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("store: skipped %d undecodable record(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// Skipped returns a *SkippedError for ids, or nil when ids is empty.
func Skipped(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)
	return &SkippedError{IDs: ids}
}

// Record is one pending envelope together with its retry bookkeeping.
type Record struct {
	Envelope    envelope.Envelope `json:"envelope"`
	NextRetryAt time.Time         `json:"nextRetryAt"`
	Attempts    int               `json:"attempts"`
}

// ID returns the key the record is stored under.
func (r Record) ID() string { return r.Envelope.ID }

// Store persists pending envelopes keyed by envelope id.
type Store interface {
	// Persist writes r, overwriting any previous record with the same id.
	Persist(ctx context.Context, r Record) error
	// Remove deletes the record for id. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// LoadAll returns every record still awaiting delivery, ordered by
	// NextRetryAt then id. Records that fail to decode are left in place and
	// skipped; LoadAll then returns the rest together with a *SkippedError.
	LoadAll(ctx context.Context) ([]Record, error)
	Close() error
}

// Marshal encodes a record for backends that store opaque bytes.
func Marshal(r Record) ([]byte, error) {
	if r.ID() == "" {
		return nil, errors.New("store: record has no envelope id")
	}
	b, err := envelope.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: marshal %s: %w", r.ID(), err)
	}
	return b, nil
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	if err := envelope.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("store: unmarshal record: %w", err)
	}
	return r, nil
}

// Sort orders records the way LoadAll returns them.
func Sort(rs []Record) {
	slices.SortFunc(rs, func(a, b Record) int {
		if c := a.NextRetryAt.Compare(b.NextRetryAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}
