// Package redisstore wraps Redis client operations used by the cache.
package redisstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/geostream/internal/cache"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
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
	rdb     *redis.Client
	timeout time.Duration
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
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

// WithOpTimeout bounds each Get/Put with its own deadline.
func (c *Client) WithOpTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Get returns the stored entry; a missing key is not an error.
func (c *Client) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return cache.Entry{}, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	e, err := decodeEntry(b)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return e, true, nil
}

// Put replaces the entry in one SET. No expiry is attached: stale entries
// stay until superseded.
func (c *Client) Put(ctx context.Context, key string, e cache.Entry) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	start := time.Now()
	err := c.rdb.Set(ctx, key, encodeEntry(e), 0).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
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

// wire layout: 8 byte big-endian unix nanos, then the payload
func encodeEntry(e cache.Entry) []byte {
	b := make([]byte, 8+len(e.Payload))
	binary.BigEndian.PutUint64(b, uint64(e.ProducedAt.UnixNano()))
	copy(b[8:], e.Payload)
	return b
}

func decodeEntry(b []byte) (cache.Entry, error) {
	if len(b) < 8 {
		return cache.Entry{}, fmt.Errorf("corrupt entry: %d bytes", len(b))
	}
	ns := int64(binary.BigEndian.Uint64(b[:8]))
	payload := make([]byte, len(b)-8)
	copy(payload, b[8:])
	return cache.Entry{Payload: payload, ProducedAt: time.Unix(0, ns)}, nil
}
