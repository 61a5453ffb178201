package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-actuarial/heron/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, portfolioID string, key string) ([]byte, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, portfolioID string, key string, value []byte, ttl time.Duration) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, portfolioID string, key string) error {
	if portfolioID == "" {
		return fmt.Errorf("portfolioID is required")
	}

	fullKey := c.makeKey(portfolioID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetSummaries retrieves cached feature summaries.
func (c *RedisCache) GetSummaries(ctx context.Context, portfolioID string) ([]*domain.FeatureSummary, error) {
	data, err := c.Get(ctx, portfolioID, summariesKey)
	if err != nil || data == nil {
		return nil, err
	}

	var sums []*domain.FeatureSummary
	if err := json.Unmarshal(data, &sums); err != nil {
		return nil, err
	}
	return sums, nil
}

// SetSummaries caches feature summaries.
func (c *RedisCache) SetSummaries(ctx context.Context, portfolioID string, sums []*domain.FeatureSummary, ttl time.Duration) error {
	bytes, err := json.Marshal(sums)
	if err != nil {
		return err
	}
	return c.Set(ctx, portfolioID, summariesKey, bytes, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(portfolioID, key string) string {
	return "heron:" + portfolioID + ":" + key
}
