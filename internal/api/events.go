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


package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
	"github.com/loqalabs/loqa-gemini/internal/storage"
)

// EventsHandler serves recorded dispatch events
type EventsHandler struct {
	store *storage.EventsStore
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(store *storage.EventsStore) *EventsHandler {
	return &EventsHandler{store: store}
}

// ListEventsResponse represents the response for listing events
type ListEventsResponse struct {
	Events     []*events.Event `json:"events"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
}

// HandleEvents handles GET /api/events
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listEvents(w, r)
}

// HandleEventByID handles GET /api/events/{id}
func (h *EventsHandler) HandleEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	if id == "" {
		http.Error(w, "Event ID is required", http.StatusBadRequest)
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrEventNotFound) {
		http.Error(w, "Event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.LogError(err, "Failed to get event", zap.String("event_id", id))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (h *EventsHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := max(parseIntParam(query.Get("page"), 1), 1)
	pageSize := min(max(parseIntParam(query.Get("page_size"), 20), 1), 100)

	options := storage.ListOptions{
		Capability: events.Capability(query.Get("capability")),
		Type:       events.Type(query.Get("type")),
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
		SortOrder:  strings.ToUpper(query.Get("sort_order")),
	}

	if startTimeStr := query.Get("start_time"); startTimeStr != "" {
		if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
			options.StartTime = &startTime
		}
	}
	if endTimeStr := query.Get("end_time"); endTimeStr != "" {
		if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
			options.EndTime = &endTime
		}
	}

	total, err := h.store.Count(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to count events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list, err := h.store.List(r.Context(), options)
	if err != nil {
		logging.LogError(err, "Failed to list events")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*events.Event{}
	}

	if logging.Logger != nil {
		logging.Logger.Debug("Events API request",
			zap.Int("page", page),
			zap.Int("page_size", pageSize),
			zap.Int64("total_results", total),
			zap.String("capability", string(options.Capability)),
			zap.String("type", string(options.Type)),
		)
	}

	writeJSON(w, http.StatusOK, ListEventsResponse{
		Events:     list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	})
}

// writeJSON writes data with the given status
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write response")
	}
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(param); err == nil {
		return value
	}
	return defaultValue
}
