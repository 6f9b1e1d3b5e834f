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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/logging"
)

const snapshotVersion = 1

type snapshot struct {
	Version int     `msgpack:"version"`
	Entries []Entry `msgpack:"entries"`
}

// Save writes every live entry to w, least recently used first
func (c *Cache) Save(w io.Writer) (int, error) {
	c.mu.Lock()
	now := c.now()
	snap := snapshot{Version: snapshotVersion}
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if !ok || c.expired(entry, now) {
			continue
		}
		snap.Entries = append(snap.Entries, *entry)
	}
	c.mu.Unlock()

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := msgpack.NewEncoder(zw).Encode(&snap); err != nil {
		zw.Close()
		return 0, fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush cache snapshot: %w", err)
	}
	return len(snap.Entries), nil
}

// Load merges the entries of a snapshot read from r, skipping expired ones
func (c *Cache) Load(r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	defer zr.Close()

	var snap snapshot
	if err := msgpack.NewDecoder(zr).Decode(&snap); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupted, snap.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	loaded := 0
	for i := range snap.Entries {
		entry := snap.Entries[i]
		if c.expired(&entry, now) {
			continue
		}
		if !c.lru.Contains(entry.Key) && c.lru.Len() >= c.maxEntries {
			if _, _, ok := c.lru.RemoveOldest(); ok {
				c.stats.Evictions++
			}
		}
		c.lru.Add(entry.Key, &entry)
		loaded++
	}
	return loaded, nil
}

// SaveFile atomically writes a snapshot to path
func (c *Cache) SaveFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := c.Save(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	logging.LogCacheOperation("snapshot_saved",
		zap.String("path", path),
		zap.Int("entries", n),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	return nil
}

// LoadFile reads a snapshot from path; a missing file loads nothing
func (c *Cache) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	n, err := c.Load(f)
	if err != nil {
		return 0, err
	}
	logging.LogCacheOperation("snapshot_loaded", zap.String("path", path), zap.Int("entries", n))
	return n, nil
}
