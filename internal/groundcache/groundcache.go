// Package groundcache caches finalized answers keyed by intent,
// canonicalized query, and fact pack hash. Because the pack hash covers
// every fact value, a hit is guaranteed to be grounded in data
// identical to what a fresh run would see, so cached answers skip the
// cascade entirely.
package groundcache

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Entry is one cached answer.
type Entry struct {
	Key      string
	Answer   string
	FactIDs  []string
	StoredAt time.Time
}

// Stats describes cache effectiveness.
type Stats struct {
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Evictions int `json:"evictions"`
	Expired   int `json:"expired"`
	Size      int `json:"size"`
}

// Cache is an in-memory bounded cache with TTL expiry. Eviction is by
// insertion order: when full, the oldest stored entry goes first.
type Cache struct {
	capacity int
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	stats   Stats
}

// New creates a cache. Capacity must be positive; a zero or negative
// TTL means entries never expire.
func New(capacity int, ttl time.Duration, logger *slog.Logger) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*Entry, capacity),
	}
}

// Canonicalize normalizes a query for keying: lowercase, punctuation
// stripped, whitespace collapsed. "How's my Groceries budget?" and
// "hows my groceries budget" key identically.
func Canonicalize(query string) string {
	var sb strings.Builder
	sb.Grow(len(query))
	lastSpace := true
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

// Key builds the cache key for an intent, query, and pack hash.
func Key(intent, query, packHash string) string {
	return intent + ":" + Canonicalize(query) + ":" + packHash
}

// Get returns the cached answer for a key. An expired entry reads as a
// miss and is removed on the spot.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.StoredAt) >= c.ttl {
		c.remove(key)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	out := *e
	out.FactIDs = append([]string(nil), e.FactIDs...)
	return &out, true
}

// Put stores an answer, evicting the oldest entry when full. Storing an
// existing key refreshes its value and timestamp without changing its
// eviction position.
func (c *Cache) Put(key, answer string, factIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.capacity {
			oldest := c.order[0]
			c.remove(oldest)
			c.stats.Evictions++
			c.logger.Debug("evicted cache entry", "key", oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &Entry{
		Key:      key,
		Answer:   answer,
		FactIDs:  append([]string(nil), factIDs...),
		StoredAt: c.now(),
	}
}

// remove deletes a key from both the map and the order slice. Caller
// holds the lock.
func (c *Cache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Invalidate drops every entry whose key carries the given pack hash.
// Called when fresh facts arrive for a user: the old pack's answers are
// still internally consistent but no longer current.
func (c *Cache) Invalidate(packHash string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for key := range c.entries {
		if strings.HasSuffix(key, ":"+packHash) {
			c.remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}
