package clients

import (
	"context"
	"errors"
	"time"

	"fee-ledger/pkg/cache/redis"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout time.Duration
	Timeout     time.Duration
	PoolSize    int

	Prefix string
}

// RedisClient namespaces every key with a prefix so several services can
// share one Redis database.
type RedisClient struct {
	raw    *redis.Client
	prefix string
}

func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	rdb, err := redis.NewRedisConnection(redis.ConnectionInfo{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
		Timeout:     cfg.Timeout,
		PoolSize:    cfg.PoolSize,
		ClientName:  "fee-ledger",
	})
	if err != nil {
		return nil, err
	}
	return WrapRedis(rdb, cfg.Prefix), nil
}

// WrapRedis builds a client around an existing connection.
func WrapRedis(rdb *redis.Client, prefix string) *RedisClient {
	if prefix == "" {
		prefix = "fee_ledger:"
	}
	return &RedisClient{raw: rdb, prefix: prefix}
}

func (c *RedisClient) Close() {
	if c.raw == nil {
		return
	}
	redis.Close(c.raw)
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return redis.Ping(ctx, c.raw)
}

// Raw exposes the connection for the lock manager.
func (c *RedisClient) Raw() *redis.Client {
	return c.raw
}

func (c *RedisClient) withPrefix(key string) string {
	return c.prefix + key
}

func (c *RedisClient) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.raw.Set(ctx, c.withPrefix(key), value, ttl).Err()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.raw.Get(ctx, c.withPrefix(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.withPrefix(k)
	}
	return c.raw.Del(ctx, prefixed...).Err()
}

func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.raw.Incr(ctx, c.withPrefix(key)).Result()
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...any) error {
	return c.raw.SAdd(ctx, c.withPrefix(key), members...).Err()
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...any) error {
	return c.raw.SRem(ctx, c.withPrefix(key), members...).Err()
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.raw.SMembers(ctx, c.withPrefix(key)).Result()
}
