package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/taskflow/pkg/config"
)

// Client wraps the universal client shared by the Redis lease and dedupe backends.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewClient(ctx context.Context, cfg *config.RedisConfig) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("redis addresses are not configured")
	}

	var rdb redis.UniversalClient
	if cfg.ClusterMode {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addresses,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addresses[0],
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (c *Client) Client() redis.UniversalClient {
	return c.rdb
}

// Key namespaces a key under the configured prefix.
func (c *Client) Key(parts ...string) string {
	key := c.prefix
	for _, part := range parts {
		if key == "" {
			key = part
			continue
		}
		key += ":" + part
	}
	return key
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
