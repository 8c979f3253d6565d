// internal/service/messageplans/local.go

package messageplans

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/cache"
)

// LocalCache adapts the in-process TTL cache to the service's Cache
// interface for single-instance deployments that run without Redis.
type LocalCache struct {
	inner *cache.TTLCache
}

// NewLocalCache creates a process-local cache whose entries live for ttl.
func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{inner: cache.New(ttl)}
}

// Get returns the cached value, or redis.Nil when absent or expired so the
// service treats both cache kinds the same way.
func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.inner.Get(key)
	if !ok {
		return "", redis.Nil
	}
	s, ok := v.(string)
	if !ok {
		return "", redis.Nil
	}
	return s, nil
}

// Set stores value under key. The per-call expiration is ignored; entries
// live for the TTL the cache was created with.
func (c *LocalCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("local cache stores strings, got %T", value)
	}
	c.inner.Set(key, s)
	return nil
}
