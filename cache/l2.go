package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteCache abstracts the L2 distributed tier so the service can run
// L1-only when no Redis URL is configured or Redis is unreachable.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisRemote is the go-redis-backed L2 implementation.
type RedisRemote struct {
	c *redis.Client
}

// NewRedisRemote builds an L2 cache from a redis:// URL.
func NewRedisRemote(url string) (*RedisRemote, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisRemote{c: redis.NewClient(opt)}, nil
}

func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *RedisRemote) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}
