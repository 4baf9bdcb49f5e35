// Package bolt is the embedded store.Store, a single bbolt file. It is the
// default backend for a single svcbus process.
//
// bbolt fits because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID, so the pending set is consistent even after a crash
//   - A single file inside the data directory
package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/svcbus/internal/store"
)

var bucketPending = []byte("pending")

// Store keeps one bbolt key per pending envelope id. Values are the JSON
// encoding of store.Record.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the bbolt file at path. Opening fails after one
// second if another process holds the file lock.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create dir for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Persist upserts r.
func (s *Store) Persist(_ context.Context, r store.Record) error {
	val, err := store.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(r.ID()), val)
	})
}

// Remove deletes the record for id.
func (s *Store) Remove(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(id))
	})
}

// Get returns the record for id or store.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (store.Record, error) {
	var r store.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPending).Get([]byte(id))
		if val == nil {
			return store.ErrNotFound
		}
		var err error
		r, err = store.Unmarshal(val)
		return err
	})
	return r, err
}

// LoadAll reads every record. Values bbolt hands out are only valid inside
// the transaction; Unmarshal copies them.
func (s *Store) LoadAll(_ context.Context) ([]store.Record, error) {
	var (
		out     []store.Record
		skipped []string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			r, err := store.Unmarshal(v)
			if err != nil {
				skipped = append(skipped, string(k))
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: load all: %w", err)
	}
	store.Sort(out)
	return out, store.Skipped(skipped)
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
