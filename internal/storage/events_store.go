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
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// ErrEventNotFound is returned when no event has the requested id
var ErrEventNotFound = errors.New("event not found")

// EventsStore records dispatch outcome events. It is an events.Observer.
type EventsStore struct {
	db      *Database
	timeout time.Duration
}

// NewEventsStore creates an events store on db
func NewEventsStore(db *Database) *EventsStore {
	return &EventsStore{db: db, timeout: 5 * time.Second}
}

// Notify records e. Failures are logged; observers cannot report errors.
func (s *EventsStore) Notify(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Insert(ctx, e); err != nil {
		logging.LogError(err, "Failed to record event", zap.String("event_id", e.ID))
	}
}

// Insert stores a new event
func (s *EventsStore) Insert(ctx context.Context, e events.Event) error {
	if e.ID == "" || e.Type == "" {
		return fmt.Errorf("invalid event: id and type are required")
	}

	query := `
		INSERT INTO dispatch_events (
			id, type, capability, request_id,
			summary, reason, error_kind, retry_after_ms,
			attempts, cached, duration_ms, timestamp
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?
		)`

	_, err := s.db.DB().ExecContext(ctx, query,
		e.ID, string(e.Type), string(e.Capability), e.RequestID,
		e.Summary, e.Reason, e.ErrorKind, e.RetryAfterMS,
		e.Attempts, e.Cached, e.DurationMS, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Get retrieves an event by id
func (s *EventsStore) Get(ctx context.Context, id string) (*events.Event, error) {
	query := selectEvents + ` WHERE id = ?`
	e, err := scanEvent(s.db.DB().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	Capability events.Capability
	Type       events.Type
	StartTime  *time.Time
	EndTime    *time.Time

	Limit  int
	Offset int

	// SortOrder is "ASC" or "DESC" by timestamp; DESC when empty
	SortOrder string
}

// List retrieves events matching options
func (s *EventsStore) List(ctx context.Context, options ListOptions) ([]*events.Event, error) {
	query, args := buildListQuery(options)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var list []*events.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return list, nil
}

// Count returns the number of events matching the filter
func (s *EventsStore) Count(ctx context.Context, options ListOptions) (int64, error) {
	options.Limit = 0
	options.Offset = 0
	query, args := buildListQuery(options)

	var count int64
	if err := s.db.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+query+") AS filtered", args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Prune deletes events older than cutoff
func (s *EventsStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.DB().ExecContext(ctx, `DELETE FROM dispatch_events WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if removed > 0 {
		logging.LogDatabaseOperation("prune", "dispatch_events", zap.Int64("removed", removed))
	}
	return removed, nil
}

const selectEvents = `
	SELECT id, type, capability, request_id,
		   summary, reason, error_kind, retry_after_ms,
		   attempts, cached, duration_ms, timestamp
	FROM dispatch_events`

func buildListQuery(options ListOptions) (string, []any) {
	query := selectEvents + ` WHERE 1=1`
	var args []any

	if options.Capability != "" {
		query += " AND capability = ?"
		args = append(args, string(options.Capability))
	}
	if options.Type != "" {
		query += " AND type = ?"
		args = append(args, string(options.Type))
	}
	if options.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, options.StartTime.UnixNano())
	}
	if options.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, options.EndTime.UnixNano())
	}

	order := "DESC"
	if strings.EqualFold(options.SortOrder, "ASC") {
		order = "ASC"
	}
	query += " ORDER BY timestamp " + order

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*events.Event, error) {
	var (
		e          events.Event
		eventType  string
		capability string
		timestamp  int64
	)
	err := row.Scan(
		&e.ID, &eventType, &capability, &e.RequestID,
		&e.Summary, &e.Reason, &e.ErrorKind, &e.RetryAfterMS,
		&e.Attempts, &e.Cached, &e.DurationMS, &timestamp,
	)
	if err != nil {
		return nil, err
	}
	e.Type = events.Type(eventType)
	e.Capability = events.Capability(capability)
	e.Timestamp = time.Unix(0, timestamp)
	return &e, nil
}
