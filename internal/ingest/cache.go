package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/geoanomaly/internal/circuitbreaker"
	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/metrics"
)

// DefaultCacheTTL is how long a resolved location is cached.
const DefaultCacheTTL = 24 * time.Hour

const (
	cacheKeyPrefix = "geo:"
	breakerKey     = "redis"
)

// CachedLocator fronts another Locator with Redis. Cache failures fall
// through to the underlying locator, and after repeated failures Redis is
// bypassed until the circuit closes again.
type CachedLocator struct {
	next    Locator
	client  redis.Cmdable
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewCachedLocator wraps next with a Redis cache.
func NewCachedLocator(next Locator, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedLocator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLocator{
		next:    next,
		client:  client,
		ttl:     ttl,
		breaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration),
		logger:  logger,
	}
}

// Locate serves ip from cache when possible and caches fresh results.
func (c *CachedLocator) Locate(ctx context.Context, ip string) (geo.Point, error) {
	key := cacheKeyPrefix + ip

	var value string
	err := c.breaker.Do(breakerKey, func() error {
		var err error
		value, err = c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	switch {
	case err == nil && value != "":
		var pt geo.Point
		if jerr := json.Unmarshal([]byte(value), &pt); jerr == nil {
			metrics.GeoIPLookupsTotal.WithLabelValues("cache_hit").Inc()
			return pt, nil
		}
		c.logger.Warn("discarding corrupt geo cache entry", "ip", ip)
	case errors.Is(err, circuitbreaker.ErrOpen):
	case err != nil:
		c.logger.Warn("geo cache read failed", "ip", ip, "error", err)
	}

	pt, err := c.next.Locate(ctx, ip)
	if err != nil {
		return geo.Point{}, err
	}

	data, err := json.Marshal(pt)
	if err != nil {
		return pt, nil
	}
	err = c.breaker.Do(breakerKey, func() error {
		return c.client.Set(ctx, key, data, c.ttl).Err()
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Warn("geo cache write failed", "ip", ip, "error", err)
	}
	return pt, nil
}

// NewRedisClient connects to the Redis server at url (redis://host:port/db).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
