// Package postgres is a store.Store backed by one PostgreSQL table, for
// deployments where several svcbus processes share the pending set.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snehjoshi/svcbus/internal/store"
)

// Store keeps one row per pending envelope:
//
//	id            text primary key
//	next_retry_at timestamptz
//	attempts      integer
//	record        jsonb         full store.Record
type Store struct {
	pool  *pgxpool.Pool
	table string
	owned bool

	upsertSQL string
	deleteSQL string
	getSQL    string
	loadSQL   string
}

var _ store.Store = (*Store)(nil)

// Open connects with dsn, creates the table when missing and returns a Store
// that owns the pool.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s, err := New(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an existing pool. Close does not close a pool passed in this way.
func New(ctx context.Context, pool *pgxpool.Pool, table string) (*Store, error) {
	if table == "" {
		table = "svcbus_pending"
	}
	t := pgx.Identifier{table}.Sanitize()
	s := &Store{
		pool:  pool,
		table: table,
		upsertSQL: `INSERT INTO ` + t + ` (id, next_retry_at, attempts, record)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				next_retry_at = EXCLUDED.next_retry_at,
				attempts = EXCLUDED.attempts,
				record = EXCLUDED.record`,
		deleteSQL: `DELETE FROM ` + t + ` WHERE id = $1`,
		getSQL:    `SELECT record FROM ` + t + ` WHERE id = $1`,
		loadSQL:   `SELECT id, record FROM ` + t + ` ORDER BY next_retry_at, id`,
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + t + ` (
		id            text PRIMARY KEY,
		next_retry_at timestamptz NOT NULL,
		attempts      integer NOT NULL DEFAULT 0,
		record        jsonb NOT NULL
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("postgres: create table %s: %w", table, err)
	}
	return s, nil
}

func (s *Store) Persist(ctx context.Context, r store.Record) error {
	val, err := store.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, s.upsertSQL, r.ID(), r.NextRetryAt, r.Attempts, val); err != nil {
		return fmt.Errorf("postgres: persist %s: %w", r.ID(), err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, s.deleteSQL, id); err != nil {
		return fmt.Errorf("postgres: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	var val []byte
	err := s.pool.QueryRow(ctx, s.getSQL, id).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("postgres: get %s: %w", id, err)
	}
	return store.Unmarshal(val)
}

type rawRow struct {
	ID     string
	Record []byte
}

func (s *Store) LoadAll(ctx context.Context) ([]store.Record, error) {
	rows, err := s.pool.Query(ctx, s.loadSQL)
	if err != nil {
		return nil, fmt.Errorf("postgres: load all: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowToStructByPos[rawRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: load all: %w", err)
	}
	out := make([]store.Record, 0, len(raw))
	var skipped []string
	for _, row := range raw {
		r, err := store.Unmarshal(row.Record)
		if err != nil {
			skipped = append(skipped, row.ID)
			continue
		}
		out = append(out, r)
	}
	// next_retry_at is stored at microsecond precision; re-sort on the
	// decoded values so ties resolve the same way as every other backend.
	store.Sort(out)
	return out, store.Skipped(skipped)
}

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
