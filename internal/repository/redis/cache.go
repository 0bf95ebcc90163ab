package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/domain"
)

// Cache provides Redis caching functionality
type Cache struct {
	client *redis.Client
}

// Key prefixes for different cache types
const (
	PrefixResult    = "result:"
	PrefixRateLimit = "ratelimit:"
)

// VerdictChannel receives every stored result as JSON.
const VerdictChannel = "crpwatch:verdicts"

// Default TTLs
const (
	ResultTTL       = 1 * time.Hour
	RateLimitWindow = 1 * time.Minute
)

// New creates a new Redis cache client
func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks Redis connectivity
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for advanced operations
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Result caching

// GetResult retrieves a cached result. A miss returns nil without error.
func (c *Cache) GetResult(ctx context.Context, identifier string) (*domain.Result, error) {
	data, err := c.client.Get(ctx, PrefixResult+identifier).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result domain.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetResult caches a result
func (c *Cache) SetResult(ctx context.Context, result *domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, PrefixResult+result.Identifier, data, ResultTTL).Err()
}

// InvalidateResult removes a result from cache
func (c *Cache) InvalidateResult(ctx context.Context, identifier string) error {
	return c.client.Del(ctx, PrefixResult+identifier).Err()
}

// Rate limiting

// CheckRateLimit checks and increments rate limit counter
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int) (bool, int, error) {
	fullKey := PrefixRateLimit + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, RateLimitWindow)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, err
	}

	count := int(incr.Val())
	return count <= limit, count, nil
}

// Pub/Sub for verdict notifications

// PublishResult announces a stored result on VerdictChannel
func (c *Cache) PublishResult(ctx context.Context, result *domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, VerdictChannel, data).Err()
}

// SubscribeResults subscribes to VerdictChannel
func (c *Cache) SubscribeResults(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, VerdictChannel)
}

// WatchResults calls handle for every result announced on VerdictChannel
// until ctx is done. Payloads that do not decode are dropped.
func (c *Cache) WatchResults(ctx context.Context, handle func(*domain.Result)) error {
	sub := c.SubscribeResults(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", VerdictChannel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var r domain.Result
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			handle(&r)
		}
	}
}
