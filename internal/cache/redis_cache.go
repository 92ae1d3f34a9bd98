package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func sentKey(providerMessageID string) string {
	return fmt.Sprintf("sent:%s", providerMessageID)
}

func inboundKey(key string) string {
	return fmt.Sprintf("inbound:%s", key)
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	val := SentEntry{
		MessageID:         messageID,
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(providerMessageID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, providerMessageID string) (SentEntry, error) {
	raw, err := c.rdb.Get(ctx, sentKey(providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentEntry{}, ErrMiss
	}
	if err != nil {
		return SentEntry{}, err
	}

	var e SentEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return SentEntry{}, fmt.Errorf("decode sent entry: %w", err)
	}
	return e, nil
}

func (c *RedisCache) SeenInbound(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, inboundKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkInbound(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, inboundKey(key), 1, c.ttl).Err()
}
