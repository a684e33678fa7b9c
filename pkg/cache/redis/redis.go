package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type ConnectionInfo struct {
	Addr        string
	Password    string
	DB          int
	MaxRetries  int
	DialTimeout time.Duration
	Timeout     time.Duration
	PoolSize    int
	ClientName  string
}

type Client = goredis.Client

// Nil is returned by reads of missing keys.
const Nil = goredis.Nil

func NewRedisConnection(info ConnectionInfo) (*Client, error) {
	opts := &goredis.Options{
		Addr:         info.Addr,
		Password:     info.Password,
		DB:           info.DB,
		MaxRetries:   info.MaxRetries,
		DialTimeout:  info.DialTimeout,
		ReadTimeout:  info.Timeout,
		WriteTimeout: info.Timeout,
		PoolSize:     info.PoolSize,
		ClientName:   info.ClientName,
	}

	rdb := goredis.NewClient(opts)

	timeout := info.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := Ping(ctx, rdb); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}

// Ping checks the connection; used at startup and by the health endpoint.
func Ping(ctx context.Context, c *Client) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Close(c *Client) {
	if c == nil {
		return
	}
	_ = c.Close()
}
