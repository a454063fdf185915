package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a processed id is remembered in Redis.
const DefaultCacheTTL = 24 * time.Hour

// RedisCache short-circuits redeliveries of messages that are already known
// to be committed. It is only ever written after commit and is never the
// source of truth: a miss falls through to the SQL ledger.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a cache. A zero ttl means DefaultCacheTTL.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "loanbus:processed"}
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) key(messageID, tenantID string) string {
	return c.prefix + ":" + tenantID + ":" + messageID
}

// Seen reports whether the message was remembered as committed.
func (c *RedisCache) Seen(ctx context.Context, messageID, tenantID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(messageID, tenantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed cache: %w", err)
	}
	return n > 0, nil
}

// Remember marks the message as committed.
func (c *RedisCache) Remember(ctx context.Context, messageID, tenantID string) error {
	if err := c.client.Set(ctx, c.key(messageID, tenantID), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to remember processed message: %w", err)
	}
	return nil
}
