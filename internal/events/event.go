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
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened to a request
type Type string

const (
	TypeCompleted   Type = "completed"
	TypeFailed      Type = "failed"
	TypeRateLimited Type = "rate_limited"
	// TypeCancelled acknowledges a caller withdrawing; it carries no error
	TypeCancelled Type = "cancelled"
)

// Capability identifies which adapter a request came from
type Capability string

const (
	CapabilityTTS          Capability = "tts"
	CapabilitySTT          Capability = "stt"
	CapabilityConversation Capability = "conversation"
)

// Event is a single outcome notification
type Event struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Capability   Capability `json:"capability"`
	RequestID    string     `json:"request_id,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	Cached       bool       `json:"cached,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// New creates an event with a fresh ID and the current time
func New(eventType Type, capability Capability, requestID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Capability: capability,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}
}

// Completed creates a success event
func Completed(capability Capability, requestID, summary string) Event {
	e := New(TypeCompleted, capability, requestID)
	e.Summary = summary
	return e
}

// Failed creates a failure event
func Failed(capability Capability, requestID, kind, reason string) Event {
	e := New(TypeFailed, capability, requestID)
	e.ErrorKind = kind
	e.Reason = reason
	return e
}

// RateLimited creates a rate limit event with the server's retry hint
func RateLimited(capability Capability, requestID string, retryAfter time.Duration) Event {
	e := New(TypeRateLimited, capability, requestID)
	e.RetryAfterMS = retryAfter.Milliseconds()
	return e
}

// Cancelled creates a neutral acknowledgement of a withdrawn request
func Cancelled(capability Capability, requestID string) Event {
	return New(TypeCancelled, capability, requestID)
}

// RetryAfter returns the retry hint as a duration
func (e Event) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMS) * time.Millisecond
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	switch e.Type {
	case TypeFailed:
		return fmt.Sprintf("Event{%s %s %s: %s}", e.Type, e.Capability, e.ErrorKind, e.Reason)
	case TypeRateLimited:
		return fmt.Sprintf("Event{%s %s retry after %v}", e.Type, e.Capability, e.RetryAfter())
	default:
		return fmt.Sprintf("Event{%s %s %q}", e.Type, e.Capability, e.Summary)
	}
}
