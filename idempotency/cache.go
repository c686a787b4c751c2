// Package idempotency is a redis seen-cache placed in front of the inbox
// probe. It is strictly advisory: cache errors answer "not seen" so a cold
// or unavailable redis never blocks traffic, and the inbox remains the
// source of truth.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/boxbus/boxbus/logger"
)

const defaultTTL = 24 * time.Hour

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	lg     zerolog.Logger
}

func New(client *redis.Client) *Cache {
	return &Cache{
		client: client,
		ttl:    defaultTTL,
		lg:     logger.Component("idempotency_cache"),
	}
}

// WithTTL overrides how long processed markers live in the cache.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

func key(messageID, consumerID string) string {
	return "boxbus:processed:" + consumerID + ":" + messageID
}

// Seen reports whether the pair was recently marked processed. Fail-open.
func (c *Cache) Seen(ctx context.Context, messageID, consumerID string) bool {
	if c == nil || c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, key(messageID, consumerID)).Result()
	if err != nil {
		c.lg.Debug().Err(err).Str("message_id", messageID).Msg("cache probe failed (fail-open)")
		return false
	}
	return n == 1
}

// MarkProcessed records a processed pair. Best effort.
func (c *Cache) MarkProcessed(ctx context.Context, messageID, consumerID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key(messageID, consumerID), "1", c.ttl).Err(); err != nil {
		c.lg.Debug().Err(err).Str("message_id", messageID).Msg("cache mark failed")
	}
}
