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

// Package conversation keeps per-conversation history and runs turns
// through the dispatcher one at a time per conversation.
package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
)

// ErrSessionNotFound is returned by a Store that holds no session for an id
var ErrSessionNotFound = errors.New("conversation session not found")

// Session is the history of one conversation
type Session struct {
	ID           string          `json:"id"`
	Turns        []dispatch.Turn `json:"turns"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	c := *s
	c.Turns = slices.Clone(s.Turns)
	return &c
}

// Append adds turns and drops the oldest ones beyond maxTurns. History
// always starts with a user turn.
func (s *Session) Append(maxTurns int, turns ...dispatch.Turn) {
	s.Turns = append(s.Turns, turns...)
	if maxTurns <= 0 || len(s.Turns) <= maxTurns {
		return
	}
	drop := len(s.Turns) - maxTurns
	for drop < len(s.Turns) && s.Turns[drop].Role != dispatch.RoleUser {
		drop++
	}
	s.Turns = slices.Clone(s.Turns[drop:])
}

// Idle reports whether the session has been unused for at least timeout
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastActivity) >= timeout
}

// Store persists sessions. Implementations must be safe for concurrent use
// and must not retain the sessions they are given.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
	// DeleteIdle removes sessions last active before cutoff
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
