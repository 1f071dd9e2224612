// Package redis implements the snapshot store on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/infra/storage"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Store persists snapshots as JSON strings. SET is atomic per key, which is
// all the collaborator contract requires.
type Store struct {
	rdb *redis.Client
}

// NewStore connects and pings Redis.
func NewStore(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

func snapshotKey(key string) string {
	return "indexer:snapshot:" + key
}

// Get returns the snapshot for a user key.
func (s *Store) Get(ctx context.Context, key string) (*domain.SessionSnapshot, error) {
	val, err := s.rdb.Get(ctx, snapshotKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}

	var snap domain.SessionSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// Set stores the snapshot for a user key.
func (s *Store) Set(ctx context.Context, key string, snap *domain.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, snapshotKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying connection for collaborators that share it
// (the progress publisher).
func (s *Store) Client() *redis.Client {
	return s.rdb
}
