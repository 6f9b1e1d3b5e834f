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

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(maxEntries int, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(maxEntries, ttl)
	c.now = clock.Now
	return c, clock
}

func TestCache_GetPut(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("a", []byte("audio"), "pcm")
	entry, ok := c.Get("a")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(entry.Data) != "audio" || entry.Format != "pcm" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.HitRate() != 0.5 {
		t.Errorf("HitRate() = %f, want 0.5", stats.HitRate())
	}
}

func TestCache_PutIsIdempotentOverwrite(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)

	c.Put("a", []byte("one"), "pcm")
	c.Put("a", []byte("two"), "pcm")

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	entry, _ := c.Get("a")
	if string(entry.Data) != "two" {
		t.Errorf("expected overwritten value, got %q", entry.Data)
	}
	if c.Stats().Evictions != 0 {
		t.Error("overwrite must not count as eviction")
	}
}

func TestCache_PutCopiesData(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)

	data := []byte("hello")
	c.Put("a", data, "")
	data[0] = 'X'

	entry, _ := c.Get("a")
	if string(entry.Data) != "hello" {
		t.Errorf("cache aliased caller buffer: %q", entry.Data)
	}
}

func TestCache_EvictsExactlyLeastRecentlyUsed(t *testing.T) {
	const maxEntries = 5
	c, clock := newTestCache(maxEntries, time.Hour)

	for i := 0; i < maxEntries; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte{byte(i)}, "")
		clock.Advance(time.Second)
	}

	// Touch k0 so k1 becomes the least recently used.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("expected k0 present")
	}

	c.Put("new", []byte("x"), "")

	if c.Len() != maxEntries {
		t.Fatalf("Len() = %d, want %d", c.Len(), maxEntries)
	}
	if _, ok := c.Get("k1"); ok {
		t.Error("expected k1 to be evicted")
	}
	for _, key := range []string{"k0", "k2", "k3", "k4", "new"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive eviction", key)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)

	c.Put("a", []byte("x"), "")
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to be a miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed on lookup, Len() = %d", c.Len())
	}
}

func TestCache_ExpiryRunsOnInsert(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)

	c.Put("old1", []byte("x"), "")
	c.Put("old2", []byte("x"), "")
	clock.Advance(2 * time.Minute)

	// No lookups happen; the insert alone prunes.
	c.Put("fresh", []byte("y"), "")

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after insert-time pruning", c.Len())
	}
	if c.Stats().Expirations != 2 {
		t.Errorf("Expirations = %d, want 2", c.Stats().Expirations)
	}
}

func TestCache_UsageRefreshDoesNotExtendTTL(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)

	c.Put("a", []byte("x"), "")
	for i := 0; i < 3; i++ {
		clock.Advance(20 * time.Second)
		c.Get("a")
	}
	if _, ok := c.Get("a"); ok {
		t.Error("TTL is measured from insertion, entry should have expired")
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)
	c.Put("a", []byte("1"), "")
	c.Put("b", []byte("2"), "")

	if !c.Delete("a") {
		t.Error("Delete(a) = false, want true")
	}
	if c.Delete("a") {
		t.Error("second Delete(a) = true, want false")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	if c.Stats().Evictions != 0 {
		t.Error("Clear must not count evictions")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(50, time.Hour)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*7+i)%80)
				c.Put(key, []byte(key), "")
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len() = %d exceeds max entries", c.Len())
	}
}

func TestCache_SnapshotRoundTrip(t *testing.T) {
	c, clock := newTestCache(10, time.Hour)
	c.Put("first", []byte("1"), "pcm")
	clock.Advance(time.Second)
	c.Put("second", []byte("22"), "text")

	var buf bytes.Buffer
	n, err := c.Save(&buf)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Save() wrote %d entries, want 2", n)
	}

	restored, restoredClock := newTestCache(10, time.Hour)
	restoredClock.now = clock.now
	loaded, err := restored.Load(&buf)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != 2 {
		t.Fatalf("Load() = %d, want 2", loaded)
	}

	entry, ok := restored.Get("second")
	if !ok || string(entry.Data) != "22" || entry.Format != "text" {
		t.Errorf("unexpected restored entry: %+v (ok=%v)", entry, ok)
	}
}

func TestCache_SnapshotSkipsExpired(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Put("a", []byte("1"), "")

	var buf bytes.Buffer
	if _, err := c.Save(&buf); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	restored, restoredClock := newTestCache(10, time.Minute)
	restoredClock.now = clock.now.Add(2 * time.Minute)
	loaded, err := restored.Load(&buf)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != 0 {
		t.Errorf("Load() = %d, want 0 expired entries skipped", loaded)
	}
}

func TestCache_LoadCorrupted(t *testing.T) {
	c, _ := newTestCache(10, time.Hour)
	_, err := c.Load(bytes.NewReader([]byte("not a snapshot")))
	if !errors.Is(err, ErrSnapshotCorrupted) {
		t.Errorf("Load() error = %v, want ErrSnapshotCorrupted", err)
	}
}

func TestCache_SnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.snap")

	c, _ := newTestCache(10, time.Hour)
	if n, err := c.LoadFile(path); err != nil || n != 0 {
		t.Fatalf("LoadFile() on missing file = %d, %v; want 0, nil", n, err)
	}

	c.Put("a", []byte("payload"), "pcm")
	if err := c.SaveFile(path); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}

	restored, _ := newTestCache(10, time.Hour)
	n, err := restored.LoadFile(path)
	if err != nil || n != 1 {
		t.Fatalf("LoadFile() = %d, %v; want 1, nil", n, err)
	}
}
