package layercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vgraph/cas"
)

// RedisBackend shares blobs between processes through Redis. Entries expire
// after TTL so Redis acts as a warm tier, not the system of record.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, prefix: "vgraph:cas:", ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(addr cas.Hash) string {
	return r.prefix + addr.String()
}

func (r *RedisBackend) Get(ctx context.Context, addr cas.Hash) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *RedisBackend) Put(ctx context.Context, addr cas.Hash, data []byte) error {
	if err := r.client.Set(ctx, r.key(addr), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, addr cas.Hash) error {
	if err := r.client.Del(ctx, r.key(addr)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Has(ctx context.Context, addr cas.Hash) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(addr)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}
