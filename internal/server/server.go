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


// Package server assembles the dispatcher, its adapters and their optional
// storage and messaging backends from configuration, and serves them over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/api"
	"github.com/loqalabs/loqa-gemini/internal/cache"
	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/config"
	"github.com/loqalabs/loqa-gemini/internal/conversation"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/gemini"
	"github.com/loqalabs/loqa-gemini/internal/limiter"
	"github.com/loqalabs/loqa-gemini/internal/logging"
	"github.com/loqalabs/loqa-gemini/internal/messaging"
	"github.com/loqalabs/loqa-gemini/internal/storage"
	"github.com/loqalabs/loqa-gemini/internal/voice"
)

// Server owns every long-lived component
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	server *http.Server

	capabilities  *capability.Store
	client        *gemini.Client
	cache         *cache.Cache
	limiter       *limiter.Limiter
	notifier      *events.Notifier
	dispatcher    *dispatch.Dispatcher
	tts           *voice.TTS
	stt           *voice.STT
	conversations *conversation.Manager

	// optional backends, nil when not configured
	db          *storage.Database
	eventsStore *storage.EventsStore
	redis       *redis.Client
	nats        *messaging.NATSService
	audio       *messaging.AudioPublisher
}

// New builds the component graph. Backends that need a connection (NATS,
// redis, sqlite) are opened here so misconfiguration fails fast.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	if err := s.build(ctx); err != nil {
		s.closeBackends()
		return nil, err
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	s.routes()
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	s.capabilities = capability.NewStore(capability.Credential(cfg.Gemini.APIKey), cfg.Gemini.CapabilityTTL())
	s.client = gemini.NewClient(gemini.Config{
		BaseURL:           cfg.Gemini.BaseURL,
		SegmentBytes:      cfg.STT.ChunkBytes,
		TTSModel:          cfg.Gemini.TTSModel,
		STTModel:          cfg.Gemini.STTModel,
		ConversationModel: cfg.Gemini.ConversationModel,
	}, s.capabilities)
	s.capabilities.SetFetcher(s.client)

	s.notifier = events.NewNotifier(cfg.Dispatcher.EventBuffer)

	if cfg.NATS.URL != "" {
		ns, err := messaging.NewNATSService(cfg.NATS)
		if err != nil {
			return err
		}
		if err := ns.Connect(); err != nil {
			return err
		}
		s.nats = ns
		s.notifier.Subscribe(messaging.NewEventPublisher(ns, cfg.NATS.SubjectPrefix))
		s.audio = messaging.NewAudioPublisher(ns, "")
	}

	store := strings.ToLower(cfg.Conversation.Store)
	if store == "sqlite" || cfg.Storage.RecordEvents {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
		if err != nil {
			return err
		}
		s.db = db
	}
	if cfg.Storage.RecordEvents {
		s.eventsStore = storage.NewEventsStore(s.db)
		s.notifier.Subscribe(s.eventsStore)
	}

	var sessions conversation.Store
	switch store {
	case "sqlite":
		sessions = storage.NewSessionStore(s.db)
	case "redis":
		client, err := storage.OpenRedis(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		sessions = storage.NewRedisSessionStore(client, cfg.Storage.RedisSessionTTL)
	default:
		sessions = conversation.NewMemoryStore()
	}

	s.cache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL())
	s.limiter = limiter.New(cfg.Dispatcher.ConcurrencyLimit, cfg.Dispatcher.RateLimitRPS, cfg.Dispatcher.RateLimitBurst)
	s.dispatcher = dispatch.New(dispatch.Options{
		RequestTimeout: cfg.Dispatcher.RequestTimeout(),
		MaxTimeout:     cfg.Dispatcher.MaxTimeout(),
		AttemptTimeout: cfg.Dispatcher.AttemptTimeout(),
		SnapshotPath:   cfg.Cache.SnapshotPath,
	}, s.client, s.cache, s.limiter, cfg.Retry.Policy(), s.notifier)

	s.tts = voice.NewTTS(s.dispatcher, s.capabilities, voice.TTSConfig{
		Voice:    cfg.Gemini.DefaultVoice,
		Speed:    cfg.Gemini.VoiceSpeed,
		Language: cfg.Gemini.Language,
		Model:    cfg.Gemini.TTSModel,
	})
	s.stt = voice.NewSTT(s.dispatcher, s.capabilities, voice.STTConfig{
		Language:      cfg.Gemini.Language,
		Model:         cfg.Gemini.STTModel,
		ChunkBytes:    cfg.STT.ChunkBytes,
		MaxAudioBytes: cfg.STT.MaxAudioBytes,
		Concurrency:   cfg.STT.SegmentConcurrency,
	})
	s.conversations = conversation.NewManager(s.dispatcher, sessions, conversation.Config{
		MaxTurns:     cfg.Conversation.MaxTurns,
		IdleTimeout:  cfg.Conversation.IdleTimeout(),
		SystemPrompt: cfg.Conversation.SystemPrompt,
		Language:     cfg.Gemini.Language,
		Model:        cfg.Gemini.ConversationModel,
	})

	logging.Sugar.Infow("🔧 Components configured",
		"conversation_store", store,
		"record_events", cfg.Storage.RecordEvents,
		"nats_enabled", s.nats != nil,
		"cache_snapshot", cfg.Cache.SnapshotPath,
	)
	return nil
}

// Start makes the dispatcher accept work
func (s *Server) Start(ctx context.Context) error {
	return s.dispatcher.Start(ctx)
}

// ListenAndServe serves the HTTP API until Stop is called
func (s *Server) ListenAndServe() error {
	logging.Sugar.Infow("🚀 loqa-gemini listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server and the dispatcher down, then closes backends.
// In-flight requests get until ctx ends to finish.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher shutdown failed: %w", err))
	}
	s.closeBackends()

	if len(errs) == 0 {
		logging.Sugar.Infow("✅ loqa-gemini shut down successfully")
	}
	return errors.Join(errs...)
}

func (s *Server) closeBackends() {
	if s.nats != nil {
		s.nats.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logging.LogError(err, "Failed to close database")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logging.LogError(err, "Failed to close redis client")
		}
	}
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.mux }

// TTS returns the speech synthesis adapter
func (s *Server) TTS() *voice.TTS { return s.tts }

// STT returns the transcription adapter
func (s *Server) STT() *voice.STT { return s.stt }

// Conversations returns the conversation manager
func (s *Server) Conversations() *conversation.Manager { return s.conversations }

// Capabilities returns the credential and capability store
func (s *Server) Capabilities() *capability.Store { return s.capabilities }

// Client returns the Gemini transport
func (s *Server) Client() *gemini.Client { return s.client }

// Events returns the event store, nil unless events are recorded
func (s *Server) Events() *storage.EventsStore { return s.eventsStore }

// AudioPublisher returns the NATS audio publisher, nil unless NATS is configured
func (s *Server) AudioPublisher() *messaging.AudioPublisher { return s.audio }

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/capabilities", s.handleCapabilities)

	voiceHandler := api.NewVoiceHandler(s.tts, s.stt, s.conversations, s.cfg.STT.MaxAudioBytes)
	s.mux.HandleFunc("/api/tts", voiceHandler.HandleSpeak)
	s.mux.HandleFunc("/api/tts/preview", voiceHandler.HandlePreview)
	s.mux.HandleFunc("/api/voices", voiceHandler.HandleVoices)
	s.mux.HandleFunc("/api/stt", voiceHandler.HandleTranscribe)
	s.mux.HandleFunc("/api/conversation", voiceHandler.HandleConversation)
	s.mux.HandleFunc("/api/conversation/", voiceHandler.HandleConversationByID)

	if s.eventsStore != nil {
		eventsHandler := api.NewEventsHandler(s.eventsStore)
		s.mux.HandleFunc("/api/events", eventsHandler.HandleEvents)
		s.mux.HandleFunc("/api/events/", eventsHandler.HandleEventByID)
	}
}
