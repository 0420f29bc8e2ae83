// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package cache provides a byte-budgeted LRU cache with lazy TTL expiry
// and prefix invalidation. It fronts every read path of the engine; all
// operations are synchronous and in-memory.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long an entry stays valid without being rewritten.
// Expiry is checked lazily on access.
const DefaultTTL = 5 * time.Minute

// Stats holds hit/miss counters and current occupancy.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	HitRate   float64 `json:"hitRate"`
}

type entry struct {
	key       string
	value     any
	sizeBytes int64
	expiresAt time.Time
}

// Cache is a size- and TTL-bounded LRU cache. The byte budget is a hard
// ceiling: eviction happens before insertion, so resident size never
// exceeds it, even transiently.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	ll       *list.List // front = most recently used
	items    map[string]*list.Element
	size     int64
	hits     uint64
	misses   uint64
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// withClock replaces the time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache with the given byte budget.
func New(maxBytes int64, opts ...Option) *Cache {
	c := &Cache{
		maxBytes: maxBytes,
		ttl:      DefaultTTL,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, promoting it to most recently
// used. TTL-expired entries are dropped and reported as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}

	ent := el.Value.(*entry)
	if !ent.expiresAt.IsZero() && c.now().After(ent.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Put inserts or replaces the value for key. Entries larger than the whole
// budget are not cached at all.
func (c *Cache) Put(key string, value any, sizeBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	if sizeBytes > c.maxBytes {
		return
	}

	// Make room first so the budget holds at every instant.
	for c.size+sizeBytes > c.maxBytes {
		c.evictOldest()
	}

	ent := &entry{key: key, value: value, sizeBytes: sizeBytes}
	if c.ttl > 0 {
		ent.expiresAt = c.now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.size += sizeBytes
}

// Invalidate removes the entry for key if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns how many were dropped. Used to clear one session's entries
// without a full flush.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeElement(el)
			dropped++
		}
	}
	return dropped
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

// Resize changes the byte budget, evicting least-recently-used entries if
// the cache no longer fits. Non-positive budgets clamp to zero, which
// empties the cache and admits nothing until the budget grows again.
func (c *Cache) Resize(maxBytes int64) {
	if maxBytes < 0 {
		maxBytes = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxBytes = maxBytes
	for c.size > c.maxBytes {
		c.evictOldest()
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   c.ll.Len(),
		SizeBytes: c.size,
		MaxBytes:  c.maxBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
}

func (c *Cache) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
	c.size -= ent.sizeBytes
}
