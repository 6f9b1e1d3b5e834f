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


package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/conversation"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// SessionStore keeps conversation sessions in SQLite
type SessionStore struct {
	db *Database
}

// NewSessionStore creates a session store on db
func NewSessionStore(db *Database) *SessionStore {
	return &SessionStore{db: db}
}

// Load returns the session for id or conversation.ErrSessionNotFound
func (s *SessionStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	query := `
		SELECT id, system_prompt, turns, last_activity
		FROM conversation_sessions
		WHERE id = ?`

	var (
		session      conversation.Session
		turnsJSON    string
		lastActivity int64
	)
	err := s.db.DB().QueryRowContext(ctx, query, id).Scan(&session.ID, &session.SystemPrompt, &turnsJSON, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal([]byte(turnsJSON), &session.Turns); err != nil {
		return nil, fmt.Errorf("failed to decode turns of session %s: %w", id, err)
	}
	session.LastActivity = time.Unix(0, lastActivity)
	return &session, nil
}

// Save inserts or replaces a session
func (s *SessionStore) Save(ctx context.Context, session *conversation.Session) error {
	turnsJSON, err := json.Marshal(session.Turns)
	if err != nil {
		return fmt.Errorf("failed to serialize turns: %w", err)
	}

	query := `
		INSERT INTO conversation_sessions (id, system_prompt, turns, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			system_prompt = excluded.system_prompt,
			turns = excluded.turns,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at`

	_, err = s.db.DB().ExecContext(ctx, query,
		session.ID, session.SystemPrompt, string(turnsJSON),
		session.LastActivity.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	logging.LogDatabaseOperation("save", "conversation_sessions",
		zap.String("conversation_id", session.ID),
		zap.Int("turns", len(session.Turns)),
	)
	return nil
}

// Delete removes a session; deleting a missing session is not an error
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM conversation_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteIdle removes sessions last active before cutoff
func (s *SessionStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.DB().ExecContext(ctx,
		`DELETE FROM conversation_sessions WHERE last_activity < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle sessions: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return int(removed), nil
}

// Count returns the number of stored sessions
func (s *SessionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}
