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

package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// Observer receives outcome notifications. Implementations may be slow;
// delivery happens off the request path.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

// Notify calls f(e)
func (f ObserverFunc) Notify(e Event) { f(e) }

// Notifier fans events out to observers from a single goroutine. Notify never
// blocks: when the buffer is full the event is dropped and counted.
type Notifier struct {
	mu        sync.RWMutex
	observers []Observer
	queue     chan Event
	closed    bool
	done      chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewNotifier starts a notifier with the given buffer size
func NewNotifier(buffer int, observers ...Observer) *Notifier {
	if buffer <= 0 {
		buffer = 1
	}

	n := &Notifier{
		observers: observers,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

// Subscribe adds an observer
func (n *Notifier) Subscribe(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, o)
}

// Notify queues e for delivery
func (n *Notifier) Notify(e Event) {
	if n == nil {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	select {
	case n.queue <- e:
	default:
		if n.dropped.Add(1) == 1 {
			logging.LogWarn("⚠️  Event buffer full, dropping events",
				zap.String("event_type", string(e.Type)),
				zap.Int("buffer", cap(n.queue)),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (n *Notifier) Close() {
	if n == nil {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
}

// Delivered returns how many events reached every observer
func (n *Notifier) Delivered() int64 {
	return n.delivered.Load()
}

// Dropped returns how many events were discarded because the buffer was full
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) run() {
	defer close(n.done)

	for e := range n.queue {
		n.mu.RLock()
		observers := n.observers
		n.mu.RUnlock()

		for _, o := range observers {
			n.deliver(o, e)
		}
		n.delivered.Add(1)
	}
}

func (n *Notifier) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogError(fmt.Errorf("observer panic: %v", r), "❌ Observer failed",
				zap.String("event_type", string(e.Type)))
		}
	}()
	o.Notify(e)
}
