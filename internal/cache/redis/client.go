// Package redis implements the relayer's shared-state interfaces on
// go-redis/v9: cross-replica order locks, executor idempotency keys, the
// state-change signal bus and the bid rate limiter.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "fusionrelay"
	pingTimeout      = 3 * time.Second
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace is the first segment of every key; empty selects "fusionrelay".
	Namespace string
}

// Client owns the go-redis connection pool and the key namespace shared by
// the stores built on it.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = defaultNamespace
	}

	c := &Client{rdb: redis.NewClient(opts), ns: ns}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping is the health check; it gives up after a few seconds even when ctx
// has no deadline.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// key builds "<namespace>:<kind>:<id>".
func (c *Client) key(kind, id string) string {
	return c.ns + ":" + kind + ":" + id
}
