//
//  Copyright © Manetu Inc. All rights reserved.
//

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a redis-backed [Backend] for multi-instance deployments,
// where decisions must invalidate consistently across replicas.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to redis using the given URL
// (e.g. "redis://localhost:6379/1").
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// Get implements [Backend].
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set implements [Backend].
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements [Backend].
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// DeletePattern implements [Backend]. SCAN keeps the sweep incremental so a
// large invalidation never stalls the server.
func (r *RedisBackend) DeletePattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close implements [Backend].
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// interface check
var _ Backend = (*RedisBackend)(nil)
