// Package redisstore wraps the Redis operations used by the tile cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/ogc-tile-proxy/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// HGet returns the variant field of a tile hash. ok is false when the tile or variant is
// not cached.
func (c *Client) HGet(ctx context.Context, key, field string) (val []byte, ok bool, err error) {
	start := time.Now()
	val, err = c.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("hget", nil, time.Since(start).Seconds())
		observability.AddCacheMisses("redis", 1)
		return nil, false, nil
	}
	observability.ObserveCacheOp("hget", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("redis HGET %q %q: %w", key, field, err)
	}
	observability.AddCacheHits("redis", 1)
	return val, true, nil
}

// HSetWithTTL stores one variant and refreshes the expiry of the whole tile hash.
func (c *Client) HSetWithTTL(ctx context.Context, key, field string, val []byte, ttl time.Duration) error {
	start := time.Now()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, field, val)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	observability.ObserveCacheOp("hset", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis HSET %q %q: %w", key, field, err)
	}
	return nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	start := time.Now()
	if len(keys) == 0 {
		observability.ObserveCacheOp("del", nil, time.Since(start).Seconds())
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return n, nil
}

// DelPattern deletes every key matching pattern using SCAN, batch keys per round trip.
func (c *Client) DelPattern(ctx context.Context, pattern string, batch int64) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	start := time.Now()
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			observability.ObserveCacheOp("scan_del", err, time.Since(start).Seconds())
			return deleted, fmt.Errorf("redis SCAN %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				observability.ObserveCacheOp("scan_del", err, time.Since(start).Seconds())
				return deleted, fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	observability.ObserveCacheOp("scan_del", nil, time.Since(start).Seconds())
	return deleted, nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
