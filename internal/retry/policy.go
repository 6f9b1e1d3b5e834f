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

// Package retry decides whether and when a failed remote call is attempted again.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Class is the retry classification of a failure
type Class int

const (
	// Transient failures may succeed if attempted again
	Transient Class = iota
	// Permanent failures will fail the same way on every attempt
	Permanent
	// Cancelled means the caller gave up; it is not an error condition
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Policy is an exponential backoff schedule with jitter
type Policy struct {
	MaxAttempts    int           // total attempts including the first
	BaseDelay      time.Duration // delay after the first failure
	MaxDelay       time.Duration // ceiling for any single delay
	MaxElapsed     time.Duration // give up once this much time has passed; 0 disables
	JitterFraction float64       // extra random delay, as a fraction of the backoff, in [0, 1]

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the schedule used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxElapsed:     2 * time.Minute,
		JitterFraction: 0.2,
	}
}

// Delay returns the wait before the attempt that follows failed attempt
// number attempt (zero based). The cap is applied after jitter, so delays
// never decrease as attempt grows and never exceed MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))

	jitter := p.JitterFraction
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		backoff *= 1 + jitter*p.random()
	}

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// Next reports whether another attempt is allowed after failed attempt
// number attempt (zero based) and how long to wait before it.
func (p Policy) Next(attempt int, elapsed time.Duration, class Class) (time.Duration, bool) {
	if class != Transient {
		return 0, false
	}
	if attempt+1 >= p.maxAttempts() {
		return 0, false
	}

	delay := p.Delay(attempt)
	if p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
		return 0, false
	}
	return delay, true
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}
