package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by ResultCache.Load when nothing is stored for a request ID.
var ErrCacheMiss = errors.New("cache miss")

// ResultCache keeps recent results addressable by request ID.
type ResultCache interface {
	Store(ctx context.Context, record *ResultRecord, ttl time.Duration) error
	Load(ctx context.Context, requestID string) (*ResultRecord, error)
}

// RedisCache stores ResultRecords as JSON under verdict:<request id>.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Store(ctx context.Context, record *ResultRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", record.RequestID, err)
	}
	return c.client.Set(ctx, cacheKey(record.RequestID), payload, ttl).Err()
}

func (c *RedisCache) Load(ctx context.Context, requestID string) (*ResultRecord, error) {
	raw, err := c.client.Get(ctx, cacheKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var record ResultRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode cached result %s: %w", requestID, err)
	}
	return &record, nil
}

func cacheKey(requestID string) string {
	return "verdict:" + requestID
}
