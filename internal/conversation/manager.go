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

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

const (
	// DefaultConversationID is used when the caller names no conversation
	DefaultConversationID = "default"

	NoInputReply   = "I'm sorry, I didn't hear anything."
	UnclearReply   = "I'm sorry, I didn't understand that. Could you please rephrase?"
	sweepFrequency = time.Minute
)

// Dispatcher is the part of dispatch.Dispatcher the manager uses
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request, timeout time.Duration) (dispatch.Payload, error)
	Notify(e events.Event)
}

// Config holds conversation limits and defaults
type Config struct {
	MaxTurns     int
	IdleTimeout  time.Duration
	SystemPrompt string
	Language     string
	Model        string
	Timeout      time.Duration
}

// Input is one user utterance
type Input struct {
	ConversationID string
	Text           string
	Language       string
}

// Reply is the assistant's answer to an Input
type Reply struct {
	ConversationID string
	Text           string
	Turns          int // history length after this exchange
}

// Manager runs conversation turns. Turns of one conversation are processed
// one at a time; different conversations run in parallel.
type Manager struct {
	dispatcher Dispatcher
	store      Store
	cfg        Config
	now        func() time.Time

	mu        sync.Mutex
	locks     map[string]*sessionLock
	lastSweep time.Time
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewManager creates a manager keeping sessions in store
func NewManager(d Dispatcher, store Store, cfg Config) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	return &Manager{
		dispatcher: d,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		locks:      make(map[string]*sessionLock),
	}
}

// Process answers one utterance. On failure the session is left unchanged.
func (m *Manager) Process(ctx context.Context, in Input) (*Reply, error) {
	id := normalizeID(in.ConversationID)
	text := strings.TrimSpace(in.Text)

	if text == "" {
		m.dispatcher.Notify(events.Completed(events.CapabilityConversation, uuid.NewString(), "no input"))
		return &Reply{ConversationID: id, Text: NoInputReply}, nil
	}

	m.maybeSweep(ctx)

	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, &dispatch.Error{Kind: dispatch.KindCancelled, Op: string(events.CapabilityConversation), Err: err}
	}
	defer unlock()

	session, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	started := m.now()
	payload, err := m.dispatcher.Submit(ctx, dispatch.ConverseRequest{
		ConversationID: id,
		Text:           text,
		SystemPrompt:   session.SystemPrompt,
		Language:       firstNonEmpty(in.Language, m.cfg.Language),
		Model:          m.cfg.Model,
		History:        session.Clone().Turns,
	}, m.cfg.Timeout)
	if err != nil {
		logging.LogConversation(id, "failed", zap.Error(err))
		return nil, err
	}

	answer := strings.TrimSpace(payload.Text())
	if answer == "" {
		answer = UnclearReply
	}

	now := m.now()
	session.Append(m.cfg.MaxTurns,
		dispatch.Turn{Role: dispatch.RoleUser, Text: text, At: started},
		dispatch.Turn{Role: dispatch.RoleAssistant, Text: answer, At: now},
	)
	session.LastActivity = now

	if err := m.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", id, err)
	}

	logging.LogConversation(id, "process",
		zap.Int("input_length", len(text)),
		zap.Int("reply_length", len(answer)),
		zap.Int("turns", len(session.Turns)),
	)
	return &Reply{ConversationID: id, Text: answer, Turns: len(session.Turns)}, nil
}

// History returns a copy of a conversation's turns, oldest first
func (m *Manager) History(ctx context.Context, id string) ([]dispatch.Turn, error) {
	session, err := m.store.Load(ctx, normalizeID(id))
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if session.Idle(m.now(), m.cfg.IdleTimeout) {
		return nil, nil
	}
	return session.Turns, nil
}

// Reset forgets a conversation. It waits for a running turn to finish.
func (m *Manager) Reset(ctx context.Context, id string) error {
	id = normalizeID(id)
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to reset conversation %s: %w", id, err)
	}
	logging.LogConversation(id, "reset")
	return nil
}

// Sweep evicts sessions idle for longer than the idle timeout
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.cfg.IdleTimeout <= 0 {
		return 0, nil
	}
	removed, err := m.store.DeleteIdle(ctx, m.now().Add(-m.cfg.IdleTimeout))
	if err != nil {
		return removed, fmt.Errorf("failed to evict idle conversations: %w", err)
	}
	if removed > 0 && logging.Sugar != nil {
		logging.Sugar.Infow("🧹 Evicted idle conversations", "count", removed)
	}
	return removed, nil
}

func (m *Manager) maybeSweep(ctx context.Context) {
	m.mu.Lock()
	due := m.now().Sub(m.lastSweep) >= sweepFrequency
	if due {
		m.lastSweep = m.now()
	}
	m.mu.Unlock()

	if due {
		if _, err := m.Sweep(ctx); err != nil {
			logging.LogWarn("Conversation sweep failed", zap.Error(err))
		}
	}
}

// load returns the stored session, or a fresh one when none exists or the
// stored one went idle
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	session, err := m.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	case !session.Idle(m.now(), m.cfg.IdleTimeout):
		return session, nil
	}

	logging.LogConversation(id, "start")
	return &Session{ID: id, SystemPrompt: m.cfg.SystemPrompt, LastActivity: m.now()}, nil
}

// lock serializes work on one conversation. Waiting gives up when ctx ends.
func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.release(id, l)
			})
		}, nil
	case <-ctx.Done():
		m.release(id, l)
		return nil, ctx.Err()
	}
}

func (m *Manager) release(id string, l *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, id)
	}
}

func normalizeID(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return DefaultConversationID
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
