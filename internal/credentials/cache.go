package credentials

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Cache fronts the backing store with short-lived entries. Cache
	// failures are never surfaced; callers fall through to the store.
	Cache interface {
		Get(context.Context, string) (*api.ToolCredentials, bool)
		Set(context.Context, string, *api.ToolCredentials)
		Delete(context.Context, string)
		DeletePrefix(context.Context, string)
	}

	// MemoryCache is a TTL map guarded by a mutex. Expired entries are
	// dropped on read and swept opportunistically on write.
	MemoryCache struct {
		entries map[string]cacheEntry
		clock   func() time.Time
		ttl     time.Duration
		mu      sync.Mutex
	}

	cacheEntry struct {
		creds   *api.ToolCredentials
		expires time.Time
	}
)

const sweepThreshold = 256

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-process cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: map[string]cacheEntry{},
		clock:   time.Now,
		ttl:     ttl,
	}
}

func (c *MemoryCache) Get(
	_ context.Context, key string,
) (*api.ToolCredentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.creds, true
}

func (c *MemoryCache) Set(
	_ context.Context, key string, creds *api.ToolCredentials,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= sweepThreshold {
		c.sweep()
	}
	c.entries[key] = cacheEntry{
		creds:   creds,
		expires: c.clock().Add(c.ttl),
	}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix drops every entry whose key starts with the given prefix.
// Used to invalidate all of an org's tools at once.
func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) sweep() {
	now := c.clock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
