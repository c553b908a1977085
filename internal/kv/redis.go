package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a shared Redis instance, used when several
// replicas must see the same counters.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore verifies connectivity before returning.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// GetOrCreate uses SETNX so the first writer wins, then reads back whatever landed.
func (s *RedisStore) GetOrCreate(ctx context.Context, key string, create func() ([]byte, error)) ([]byte, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	created, err := create()
	if err != nil {
		return nil, fmt.Errorf("create value: %w", err)
	}
	if err := s.client.SetNX(ctx, key, created, 0).Err(); err != nil {
		return nil, err
	}
	landed, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if landed == nil {
		return created, nil
	}
	return landed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
