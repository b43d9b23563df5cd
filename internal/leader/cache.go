package leader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 4096

// CachedResolver memoizes another Resolver per topic. The cache is dropped
// whenever the member list changes or Invalidate is called.
type CachedResolver struct {
	inner       Resolver
	cache       *lru.Cache[string, string]
	mu          sync.Mutex
	fingerprint uint64
}

func NewCachedResolver(inner Resolver, size int) (*CachedResolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create leader cache: %w", err)
	}
	return &CachedResolver{
		inner: inner,
		cache: cache,
	}, nil
}

func (c *CachedResolver) Resolve(topic string, members []string) (string, error) {
	fp := fingerprint(members)

	c.mu.Lock()
	if fp != c.fingerprint {
		c.cache.Purge()
		c.fingerprint = fp
	}
	addr, ok := c.cache.Get(topic)
	c.mu.Unlock()
	if ok {
		return addr, nil
	}

	addr, err := c.inner.Resolve(topic, members)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	// membership may have moved on while we resolved; only cache under the current view
	if fp == c.fingerprint {
		c.cache.Add(topic, addr)
	}
	c.mu.Unlock()

	return addr, nil
}

// Invalidate drops every cached decision
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the number of cached topics
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}

func fingerprint(members []string) uint64 {
	return xxhash.Sum64String(strings.Join(members, "\x00"))
}
