package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// NewRedisClient creates and verifies a Redis client
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB >= 0 {
		opts.DB = config.DB
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// EntitlementCache caches per-user entitlement summaries in Redis. The gate
// invalidates on every granted consumption and the reconciler invalidates on
// ledger writes, so a cached entry is at most TTL stale and never survives a
// mutation it describes.
type EntitlementCache struct {
	redis   *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewEntitlementCache creates the cache layer. metrics may be nil.
func NewEntitlementCache(client *redis.Client, ttl time.Duration,
	metrics *observability.Metrics, logger *observability.Logger) *EntitlementCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &EntitlementCache{
		redis:   client,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

func summaryKey(userID int64) string {
	return fmt.Sprintf("entitlement:summary:%d", userID)
}

// GetSummary returns the cached summary for a user, if present
func (c *EntitlementCache) GetSummary(ctx context.Context, userID int64) (map[string]entitlement.QuotaSummary, bool) {
	data, err := c.redis.Get(ctx, summaryKey(userID)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		// Cache trouble never fails a read; the caller goes to Postgres.
		c.logger.WithError(err).Warn("entitlement cache read failed")
		return nil, false
	}

	var summary map[string]entitlement.QuotaSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		c.redis.Del(ctx, summaryKey(userID))
		return nil, false
	}
	return summary, true
}

// SetSummary stores a summary with the configured TTL
func (c *EntitlementCache) SetSummary(ctx context.Context, userID int64, summary map[string]entitlement.QuotaSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, summaryKey(userID), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("entitlement cache write failed")
	}
}

// InvalidateSummary drops the cached summary after a mutation
func (c *EntitlementCache) InvalidateSummary(ctx context.Context, userID int64) {
	if err := c.redis.Del(ctx, summaryKey(userID)).Err(); err != nil {
		c.logger.WithError(err).Warn("entitlement cache invalidation failed")
	}
	if c.metrics != nil {
		c.metrics.CacheEvictionsTotal.WithLabelValues("entitlement_summary").Inc()
	}
}

// HealthCheck pings Redis
func (c *EntitlementCache) HealthCheck(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *EntitlementCache) Close() error {
	return c.redis.Close()
}
