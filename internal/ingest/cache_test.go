package ingest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/geoanomaly/internal/circuitbreaker"
	"github.com/mbd888/geoanomaly/internal/geo"
)

// unreachableRedis points at a closed port so every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCachedLocator_FallsThroughWhenRedisDown(t *testing.T) {
	next := &stubLocator{pt: geo.Point{Lat: 1, Lon: 2}}
	c := NewCachedLocator(next, unreachableRedis(t), time.Minute, slog.Default())

	pt, err := c.Locate(context.Background(), "81.2.69.142")
	if err != nil {
		t.Fatalf("cache failures should not fail the lookup: %v", err)
	}
	if pt != (geo.Point{Lat: 1, Lon: 2}) || next.calls != 1 {
		t.Errorf("expected underlying locator result, got %+v (calls=%d)", pt, next.calls)
	}
}

func TestCachedLocator_BypassesRedisWhenCircuitOpen(t *testing.T) {
	next := &stubLocator{pt: geo.Point{Lat: 1, Lon: 2}}
	c := NewCachedLocator(next, unreachableRedis(t), time.Minute, slog.Default())
	c.breaker = circuitbreaker.New(1, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := c.Locate(context.Background(), "81.2.69.142"); err != nil {
			t.Fatalf("Locate: %v", err)
		}
	}
	if c.breaker.State(breakerKey) != circuitbreaker.StateOpen {
		t.Error("expected redis circuit to open after failures")
	}
	if next.calls != 3 {
		t.Errorf("expected every lookup to reach the locator, got %d", next.calls)
	}
}

func TestCachedLocator_PropagatesLocatorError(t *testing.T) {
	next := &stubLocator{err: ErrLocationUnknown}
	c := NewCachedLocator(next, unreachableRedis(t), time.Minute, slog.Default())

	if _, err := c.Locate(context.Background(), "10.0.0.1"); err != ErrLocationUnknown {
		t.Errorf("expected ErrLocationUnknown, got %v", err)
	}
}

func TestNewCachedLocator_DefaultTTL(t *testing.T) {
	c := NewCachedLocator(&stubLocator{}, unreachableRedis(t), 0, slog.Default())
	if c.ttl != DefaultCacheTTL {
		t.Errorf("expected default TTL, got %v", c.ttl)
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "::not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}
