// Package rediscache keeps recently processed event ids in Redis so duplicate
// deliveries can be acknowledged without a database round trip. The SQL
// dedup store stays authoritative; a miss here always falls through to it.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "outbox:processed"
)

var ErrNilClient = errors.New("redis client is required")

type Option func(*Cache)

// WithTTL bounds how long an event id is remembered.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func New(client redis.UniversalClient, opts ...Option) (*Cache, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	c := &Cache{client: client, ttl: defaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *Cache) Mark(ctx context.Context, consumer, eventID string) error {
	if err := c.client.SetNX(ctx, c.key(consumer, eventID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (c *Cache) key(consumer, eventID string) string {
	return c.prefix + ":" + consumer + ":" + eventID
}
