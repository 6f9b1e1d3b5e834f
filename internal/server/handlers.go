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


package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// HealthResponse reports liveness plus dispatcher, cache and limiter counters
type HealthResponse struct {
	Status     string          `json:"status"`
	Timestamp  time.Time       `json:"timestamp"`
	Credential bool            `json:"credential_configured"`
	NATS       *bool           `json:"nats_connected,omitempty"`
	Dispatcher DispatcherStats `json:"dispatcher"`
	Cache      CacheStats      `json:"cache"`
	Limiter    LimiterStats    `json:"limiter"`
}

// DispatcherStats mirrors dispatch.Stats
type DispatcherStats struct {
	Submitted      int64 `json:"submitted"`
	CacheHits      int64 `json:"cache_hits"`
	Joined         int64 `json:"joined"`
	TransportCalls int64 `json:"transport_calls"`
	Retries        int64 `json:"retries"`
	Failures       int64 `json:"failures"`
	InFlight       int   `json:"in_flight"`
}

// CacheStats mirrors cache.Stats
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	HitRate    float64 `json:"hit_rate"`
	Evictions  int64   `json:"evictions"`
}

// LimiterStats mirrors limiter.Stats
type LimiterStats struct {
	Capacity  int   `json:"capacity"`
	InUse     int   `json:"in_use"`
	Waiting   int   `json:"waiting"`
	PeakInUse int   `json:"peak_in_use"`
	Timeouts  int64 `json:"timeouts"`
}

// CapabilitiesResponse is the current capability snapshot
type CapabilitiesResponse struct {
	Models    map[string][]string `json:"models"`
	Voices    []capability.Voice  `json:"voices"`
	FetchedAt time.Time           `json:"fetched_at,omitzero"`
	Fallback  bool                `json:"fallback"`
}

// handleHealth provides system health information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ds := s.dispatcher.Stats()
	cs := s.cache.Stats()
	ls := s.limiter.Stats()

	health := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Credential: !s.capabilities.Credential().IsZero(),
		Dispatcher: DispatcherStats{
			Submitted:      ds.Submitted,
			CacheHits:      ds.CacheHits,
			Joined:         ds.Joined,
			TransportCalls: ds.TransportCalls,
			Retries:        ds.Retries,
			Failures:       ds.Failures,
			InFlight:       ds.InFlight,
		},
		Cache: CacheStats{
			Entries:    cs.Entries,
			MaxEntries: cs.MaxEntries,
			HitRate:    cs.HitRate(),
			Evictions:  cs.Evictions,
		},
		Limiter: LimiterStats{
			Capacity:  ls.Capacity,
			InUse:     ls.InUse,
			Waiting:   ls.Waiting,
			PeakInUse: ls.PeakInUse,
			Timeouts:  ls.Timeouts,
		},
	}
	if s.nats != nil {
		connected := s.nats.IsConnected()
		health.NATS = &connected
		if !connected {
			health.Status = "degraded"
		}
	}

	writeJSON(w, health)
}

// handleCapabilities returns the model and voice listing, refreshing it when stale
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.capabilities.Snapshot(r.Context())
	models := make(map[string][]string, len(snap.Models))
	for c, names := range snap.Models {
		models[string(c)] = names
	}

	writeJSON(w, CapabilitiesResponse{
		Models:    models,
		Voices:    snap.Voices,
		FetchedAt: snap.FetchedAt,
		Fallback:  snap.Fallback,
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Sugar.Errorw("Failed to write response", "error", err)
	}
}
