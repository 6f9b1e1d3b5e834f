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

// Package limiter bounds how many remote calls run at once.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned when no slot became free before the wait deadline
var ErrTimeout = errors.New("timed out waiting for a request slot")

// Limiter hands out at most Capacity slots. Waiters are served in arrival
// order, so a waiter is never overtaken indefinitely. An optional token
// bucket spreads bursts of acquisitions over time.
type Limiter struct {
	sem      *semaphore.Weighted
	bucket   *rate.Limiter
	capacity int64

	inUse     atomic.Int64
	waiting   atomic.Int64
	peakInUse atomic.Int64
	acquired  atomic.Int64
	timeouts  atomic.Int64
}

// Stats reports limiter counters
type Stats struct {
	Capacity  int
	InUse     int
	Waiting   int
	PeakInUse int
	Acquired  int64
	Timeouts  int64
}

// New creates a limiter with the given capacity. rps > 0 enables burst
// smoothing with the given burst size.
func New(capacity int, rps float64, burst int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}

	l := &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}

	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.bucket = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return l
}

// Acquire waits for a free slot. A non-positive timeout waits until ctx ends.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return nil, l.waitError(ctx, err)
		}
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, l.waitError(ctx, err)
	}

	n := l.inUse.Add(1)
	for {
		peak := l.peakInUse.Load()
		if n <= peak || l.peakInUse.CompareAndSwap(peak, n) {
			break
		}
	}
	l.acquired.Add(1)

	return &Slot{limiter: l}, nil
}

// waitError maps a failed wait onto cancellation or ErrTimeout. rate.Wait
// fails early when the deadline cannot be met, before ctx itself expires.
func (l *Limiter) waitError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	l.timeouts.Add(1)
	return fmt.Errorf("%w: %v", ErrTimeout, err)
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// InUse returns the number of slots currently held
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Waiting returns the number of callers blocked in Acquire
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}

// Stats returns a snapshot of the limiter counters
func (l *Limiter) Stats() Stats {
	return Stats{
		Capacity:  int(l.capacity),
		InUse:     int(l.inUse.Load()),
		Waiting:   int(l.waiting.Load()),
		PeakInUse: int(l.peakInUse.Load()),
		Acquired:  l.acquired.Load(),
		Timeouts:  l.timeouts.Load(),
	}
}

// Slot is a held unit of concurrency. Release is idempotent.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot to the limiter
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.limiter.inUse.Add(-1)
		s.limiter.sem.Release(1)
	})
}
