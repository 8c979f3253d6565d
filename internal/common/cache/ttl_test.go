// internal/common/cache/ttl_test.go
package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	c := New(time.Minute)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)

	current = current.Add(61 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entries are not served")
	assert.Zero(t, c.Len(), "expired entries are removed on read")
}

func TestTTLCacheDelete(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", 1)

	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
