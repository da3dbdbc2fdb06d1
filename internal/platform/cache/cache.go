// Package cache is a Redis-backed JSON cache for computed reports.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Minute

// Config holds cache configuration. An empty URL disables the cache.
type Config struct {
	URL       string
	KeyPrefix string
	TTL       time.Duration
}

// Cache stores JSON values under a key prefix. A disabled Cache misses on
// every Get and ignores writes.
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	enabled   bool
}

func New(ctx context.Context, cfg Config) (*Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cfg.URL == "" {
		return &Cache{ttl: ttl}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ctms"
	}
	return &Cache{client: client, keyPrefix: prefix, ttl: ttl, enabled: true}, nil
}

func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *Cache) IsEnabled() bool { return c.enabled }

// TTL is the expiry applied by Set when the caller passes zero.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Ping reports Redis reachability. A disabled cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(k string) string {
	return c.keyPrefix + ":" + k
}

// IsMiss reports whether err means the key was not cached.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Get decodes the cached value for key into dest. A missing key returns an
// error for which IsMiss is true.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if !c.enabled {
		return redis.Nil
	}
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Set stores value as JSON. A zero ttl uses the configured default.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.enabled || len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// DeletePattern removes every key matching a glob pattern such as "report:*".
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	if !c.enabled {
		return nil
	}
	iter := c.client.Scan(ctx, 0, c.key(pattern), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Key joins non-empty parts with ':'.
func Key(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
