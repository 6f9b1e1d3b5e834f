/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package cache holds completed remote results keyed by request fingerprint.
//
// Entries are bounded by count, least recently used first, and expire after a
// fixed lifetime measured from insertion. Expiry and count eviction both run on
// insert; there is no background sweeper. An expired entry found on lookup is
// dropped and reported as a miss.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// ErrSnapshotCorrupted indicates a snapshot that could not be decoded
var ErrSnapshotCorrupted = errors.New("cache snapshot corrupted")

// Entry is a single cached result
type Entry struct {
	Key        string    `msgpack:"key"`
	Data       []byte    `msgpack:"data"`
	Format     string    `msgpack:"format"`
	CreatedAt  time.Time `msgpack:"created_at"`
	LastUsedAt time.Time `msgpack:"last_used_at"`
}

// Stats reports cache counters
type Stats struct {
	Entries     int
	MaxEntries  int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// HitRate returns hits divided by lookups
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a thread-safe LRU+TTL result cache
type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *Entry]
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	stats      Stats
}

// New creates a cache holding at most maxEntries entries for ttl each
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}

	c := &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}

	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU[string, *Entry](maxEntries, nil)
	return c
}

// Get returns the entry for key and refreshes its recency
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Peek(key)
	if !ok {
		c.stats.Misses++
		return Entry{}, false
	}

	now := c.now()
	if c.expired(entry, now) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return Entry{}, false
	}

	c.lru.Get(key)
	entry.LastUsedAt = now
	c.stats.Hits++
	return *entry, true
}

// Put stores data under key, replacing any existing entry
func (c *Cache) Put(key string, data []byte, format string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneExpired(now)

	if !c.lru.Contains(key) {
		for c.lru.Len() >= c.maxEntries {
			evicted, _, ok := c.lru.RemoveOldest()
			if !ok {
				break
			}
			c.stats.Evictions++
			logging.LogCacheOperation("evict", zap.String("key", evicted))
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	c.lru.Add(key, &Entry{
		Key:        key,
		Data:       stored,
		Format:     format,
		CreatedAt:  now,
		LastUsedAt: now,
	})
}

// Delete removes key if present
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.lru.Purge()
	logging.LogCacheOperation("clear", zap.Int("entries", n))
}

// Len returns the number of stored entries, including expired ones not yet pruned
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a copy of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.lru.Len()
	s.MaxEntries = c.maxEntries
	return s
}

func (c *Cache) expired(entry *Entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(entry.CreatedAt) >= c.ttl
}

// pruneExpired must be called with c.mu held
func (c *Cache) pruneExpired(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && c.expired(entry, now) {
			c.lru.Remove(key)
			c.stats.Expirations++
		}
	}
}
