// Package respcache implements the Response Cache for read-only paths
// (spec §4.9): a small per-process LRU with TTL keyed by (method, full URL
// including query), lazily expired on access. No library in the example
// pack offers a small bounded LRU+TTL suited to this exact shape, so this
// is hand-rolled on container/list + map, the same structure the teacher
// uses for its own rate-limiter cache (internal/credential/ratelimit.go in
// this repo, adapted from the teacher's ttlLimiterCache).
package respcache

import (
	"container/list"
	"net/http"
	"sync"
	"time"
)

// Entry is a cached upstream response.
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

type cacheEntry struct {
	key       string
	value     Entry
	expiresAt time.Time
}

// Cache is the bounded LRU+TTL store.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

// New builds a Cache with the given capacity (spec suggests ~100 entries).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Key builds the cache key for method and the full URL including query.
func Key(method, fullURL string) string { return method + " " + fullURL }

// Get returns the cached entry for key if present and not expired. A hit
// moves the entry to the front (most-recently-used).
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Entry{}, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Set stores value under key with the given TTL, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache) Set(key string, value Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	c.entries[key] = c.order.PushFront(entry)
}

// Len reports the current entry count, including not-yet-lazily-expired ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
