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

// Package capability holds the API credential and the current listing of
// models and voices the remote service offers.
package capability

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

var (
	// ErrNoCredential is reported when a call needs a key and none is set
	ErrNoCredential = errors.New("no API key configured")
	// ErrNoFetcher is returned by Refresh when no listing source is attached
	ErrNoFetcher = errors.New("no capability fetcher configured")
)

// Credential is an API key. It never prints itself.
type Credential string

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

func (c Credential) GoString() string {
	return `capability.Credential("[redacted]")`
}

// Reveal returns the raw key for use in request headers
func (c Credential) Reveal() string {
	return string(c)
}

// IsZero reports whether no key is set
func (c Credential) IsZero() bool {
	return strings.TrimSpace(string(c)) == ""
}

// ModelInfo is a model as listed by the remote service
type ModelInfo struct {
	Name        string
	DisplayName string
	Methods     []string
}

// Voice is a selectable speech voice
type Voice struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Fetcher lists what the remote service offers
type Fetcher interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Snapshot is an immutable capability listing
type Snapshot struct {
	Models    map[events.Capability][]string
	Voices    []Voice
	FetchedAt time.Time
	// Fallback is set when the listing came from built-in defaults
	Fallback bool
}

// ModelsFor returns the models usable for a capability
func (s *Snapshot) ModelsFor(c events.Capability) []string {
	return s.Models[c]
}

// DefaultModel returns the first model listed for a capability
func (s *Snapshot) DefaultModel(c events.Capability) string {
	if models := s.Models[c]; len(models) > 0 {
		return models[0]
	}
	return ""
}

// HasVoice reports whether id names a listed voice, ignoring case
func (s *Snapshot) HasVoice(id string) bool {
	return slices.ContainsFunc(s.Voices, func(v Voice) bool {
		return strings.EqualFold(v.ID, id)
	})
}

// DefaultSnapshot is used until the remote listing succeeds once
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Models: map[events.Capability][]string{
			events.CapabilityTTS:          {"gemini-2.5-flash-preview-tts"},
			events.CapabilitySTT:          {"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"},
			events.CapabilityConversation: {"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"},
		},
		Voices: []Voice{
			{ID: "Aoede", DisplayName: "Aoede"},
			{ID: "Charon", DisplayName: "Charon"},
			{ID: "Fenrir", DisplayName: "Fenrir"},
			{ID: "Kore", DisplayName: "Kore"},
			{ID: "Puck", DisplayName: "Puck"},
		},
		Fallback: true,
	}
}

// Store owns the credential and a snapshot refreshed after ttl. Readers
// always see either the previous or the next snapshot, never a mix.
type Store struct {
	credential atomic.Pointer[Credential]
	snapshot   atomic.Pointer[Snapshot]
	ttl        time.Duration
	group      singleflight.Group
	now        func() time.Time

	mu      sync.RWMutex
	fetcher Fetcher
}

// NewStore creates a store holding cred whose listing goes stale after ttl
func NewStore(cred Credential, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Store{ttl: ttl, now: time.Now}
	s.credential.Store(&cred)
	return s
}

// SetFetcher attaches the listing source
func (s *Store) SetFetcher(f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// Credential returns the current credential
func (s *Store) Credential() Credential {
	return *s.credential.Load()
}

// SetCredential replaces the credential and drops the listing obtained with the old one
func (s *Store) SetCredential(cred Credential) {
	s.credential.Store(&cred)
	s.snapshot.Store(nil)
	if logging.Logger != nil {
		logging.Logger.Info("🔑 Credential replaced", zap.Bool("empty", cred.IsZero()))
	}
}

// Snapshot returns the current listing, refreshing it first when stale.
// If a refresh fails the previous listing, or the defaults, are returned.
func (s *Store) Snapshot(ctx context.Context) *Snapshot {
	if cur := s.snapshot.Load(); cur != nil && s.now().Sub(cur.FetchedAt) < s.ttl {
		return cur
	}

	snap, err := s.Refresh(ctx)
	if err == nil {
		return snap
	}

	logging.LogWarn("⚠️  Capability refresh failed, serving previous listing", zap.Error(err))
	if cur := s.snapshot.Load(); cur != nil {
		return cur
	}
	return DefaultSnapshot()
}

// Refresh fetches a new listing and installs it. Concurrent refreshes share
// one fetch. On failure the installed listing is left as it was.
func (s *Store) Refresh(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	fetcher := s.fetcher
	s.mu.RUnlock()
	if fetcher == nil {
		return nil, ErrNoFetcher
	}

	ch := s.group.DoChan("refresh", func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), fetcher)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) fetch(ctx context.Context, fetcher Fetcher) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	models, err := fetcher.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	voices, err := fetcher.ListVoices(ctx)
	if err != nil {
		return nil, err
	}

	snap := Classify(models)
	snap.Voices = voices
	if len(snap.Voices) == 0 {
		snap.Voices = DefaultSnapshot().Voices
	}
	snap.FetchedAt = s.now()

	s.snapshot.Store(snap)
	if logging.Sugar != nil {
		logging.Sugar.Infow("📋 Capabilities refreshed",
			"tts_models", len(snap.Models[events.CapabilityTTS]),
			"conversation_models", len(snap.Models[events.CapabilityConversation]),
			"voices", len(snap.Voices),
		)
	}
	return snap, nil
}

// Classify sorts models into capabilities by name and supported methods.
// Speech models carry "tts" in their name; any other model that can
// generate content serves both conversation and transcription. Capabilities
// left empty fall back to the defaults.
func Classify(models []ModelInfo) *Snapshot {
	snap := &Snapshot{Models: make(map[events.Capability][]string)}

	for _, m := range models {
		if !slices.Contains(m.Methods, "generateContent") {
			continue
		}
		name := strings.TrimPrefix(m.Name, "models/")
		if strings.Contains(strings.ToLower(name), "tts") {
			snap.Models[events.CapabilityTTS] = append(snap.Models[events.CapabilityTTS], name)
			continue
		}
		snap.Models[events.CapabilityConversation] = append(snap.Models[events.CapabilityConversation], name)
		snap.Models[events.CapabilitySTT] = append(snap.Models[events.CapabilitySTT], name)
	}

	defaults := DefaultSnapshot()
	for capability, names := range defaults.Models {
		if len(snap.Models[capability]) == 0 {
			snap.Models[capability] = names
		}
	}
	return snap
}
