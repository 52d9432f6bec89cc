package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBackend adapts a github.com/go-redis/redis/v8 client to
// PersistenceBackend, the way ethdb/redisdb adapts the same client to a
// key-value database interface: Redis holds nothing of its own shape,
// it just stores what the caller already serialized.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend parses addr (a redis:// URL) and returns a backend bound
// to it. It does not attempt a connection; the first Save/Load call does.
func NewRedisBackend(addr string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return b.client.Set(ctx, key, data, 0).Err()
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return b.client.Keys(ctx, prefix+"*").Result()
}

func (b *RedisBackend) Close(ctx context.Context) error {
	return b.client.Close()
}
