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


package messaging

import (
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// EventPublisher forwards dispatch events to a message bus. It is an
// events.Observer; each event goes to <prefix>.<type>.<capability>.
type EventPublisher struct {
	pub    Publisher
	prefix string
	failed atomic.Int64
}

// NewEventPublisher creates an observer publishing through pub
func NewEventPublisher(pub Publisher, prefix string) *EventPublisher {
	if prefix == "" {
		prefix = "gemini.events"
	}
	return &EventPublisher{pub: pub, prefix: prefix}
}

// Subject returns the subject an event is published on
func (p *EventPublisher) Subject(e events.Event) string {
	return p.prefix + "." + string(e.Type) + "." + string(e.Capability)
}

// Notify publishes e. Failures are logged and counted.
func (p *EventPublisher) Notify(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.failed.Add(1)
		logging.LogError(err, "Failed to marshal event", zap.String("event_id", e.ID))
		return
	}

	subject := p.Subject(e)
	if err := p.pub.Publish(subject, data); err != nil {
		p.failed.Add(1)
		logging.LogError(err, "Failed to publish event", zap.String("subject", subject))
		return
	}
	logging.LogNATSEvent(subject, "published", zap.String("event_id", e.ID))
}

// Failed returns how many events could not be published
func (p *EventPublisher) Failed() int64 {
	return p.failed.Load()
}
