// Package redis is a store.Store backed by one Redis hash, for deployments
// where several svcbus processes share the pending set.
//
// Layout: HSET <key> <envelope id> <record JSON>.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/svcbus/internal/store"
)

// Config addresses the Redis server and the hash that holds records.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store keeps pending records in a Redis hash.
type Store struct {
	client *goredis.Client
	key    string
	owned  bool
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and pings it so a bad address fails at start-up
// rather than on the first failed delivery.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	s := New(client, cfg.Key)
	s.owned = true
	return s, nil
}

// New wraps an existing client. Close does not close a client passed in
// this way.
func New(client *goredis.Client, key string) *Store {
	if key == "" {
		key = "svcbus:pending"
	}
	return &Store{client: client, key: key}
}

func (s *Store) Persist(ctx context.Context, r store.Record) error {
	val, err := store.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, r.ID(), val).Err(); err != nil {
		return fmt.Errorf("redis: persist %s: %w", r.ID(), err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("redis: remove %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (store.Record, error) {
	val, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("redis: get %s: %w", id, err)
	}
	return store.Unmarshal(val)
}

func (s *Store) LoadAll(ctx context.Context) ([]store.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load all: %w", err)
	}
	out := make([]store.Record, 0, len(vals))
	var skipped []string
	for id, v := range vals {
		r, err := store.Unmarshal([]byte(v))
		if err != nil {
			skipped = append(skipped, id)
			continue
		}
		out = append(out, r)
	}
	store.Sort(out)
	return out, store.Skipped(skipped)
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
