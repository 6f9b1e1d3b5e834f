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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/loqalabs/loqa-gemini/internal/retry"
)

// Config holds all configuration for the Gemini service
type Config struct {
	Server       ServerConfig
	Dispatcher   DispatcherConfig
	Cache        CacheConfig
	Retry        RetryConfig
	Conversation ConversationConfig
	Gemini       GeminiConfig
	STT          STTConfig
	Storage      StorageConfig
	NATS         NATSConfig
	Logging      LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `env:"LOQA_GEMINI_HOST" envDefault:"0.0.0.0"`
	Port         int           `env:"LOQA_GEMINI_PORT" envDefault:"3100"`
	ReadTimeout  time.Duration `env:"LOQA_GEMINI_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"LOQA_GEMINI_WRITE_TIMEOUT" envDefault:"150s"`
}

// DispatcherConfig controls request concurrency and timeouts
type DispatcherConfig struct {
	ConcurrencyLimit      int     `env:"CONCURRENCY_LIMIT" envDefault:"5"`
	RateLimitRPS          float64 `env:"RATE_LIMIT_RPS" envDefault:"0"` // 0 disables smoothing
	RateLimitBurst        int     `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RequestTimeoutSeconds int     `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
	AttemptTimeoutSeconds int     `env:"ATTEMPT_TIMEOUT_SECONDS" envDefault:"30"`
	MaxTimeoutSeconds     int     `env:"MAX_TIMEOUT_SECONDS" envDefault:"120"`
	EventBuffer           int     `env:"EVENT_BUFFER" envDefault:"64"`
}

// CacheConfig holds result cache settings
type CacheConfig struct {
	MaxEntries   int    `env:"CACHE_MAX_ENTRIES" envDefault:"100"`
	TTLSeconds   int    `env:"CACHE_TTL_SECONDS" envDefault:"3600"`
	SnapshotPath string `env:"CACHE_SNAPSHOT_PATH"`
}

// RetryConfig holds backoff settings for transient failures
type RetryConfig struct {
	MaxAttempts       int     `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelayMS       int     `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`
	MaxDelayMS        int     `env:"RETRY_MAX_DELAY_MS" envDefault:"30000"`
	MaxElapsedSeconds int     `env:"RETRY_MAX_ELAPSED_SECONDS" envDefault:"120"`
	Jitter            float64 `env:"RETRY_JITTER" envDefault:"0.2"`
}

// ConversationConfig holds conversation session settings
type ConversationConfig struct {
	MaxTurns           int    `env:"CONVERSATION_MAX_TURNS" envDefault:"20"`
	IdleTimeoutSeconds int    `env:"CONVERSATION_IDLE_TIMEOUT_SECONDS" envDefault:"1800"`
	Store              string `env:"CONVERSATION_STORE" envDefault:"memory"` // memory, sqlite, redis
	SystemPrompt       string `env:"CONVERSATION_SYSTEM_PROMPT" envDefault:"You are a helpful Home Assistant voice assistant."`
}

// GeminiConfig holds remote service settings
type GeminiConfig struct {
	APIKey               string  `env:"GEMINI_API_KEY"`
	BaseURL              string  `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	TTSModel             string  `env:"GEMINI_TTS_MODEL" envDefault:"gemini-2.5-flash-preview-tts"`
	STTModel             string  `env:"GEMINI_STT_MODEL" envDefault:"gemini-2.0-flash"`
	ConversationModel    string  `env:"GEMINI_CONVERSATION_MODEL" envDefault:"gemini-2.0-flash"`
	DefaultVoice         string  `env:"GEMINI_DEFAULT_VOICE" envDefault:"Aoede"`
	VoiceSpeed           float64 `env:"GEMINI_VOICE_SPEED" envDefault:"1.0"`
	Language             string  `env:"GEMINI_LANGUAGE" envDefault:"en"`
	CapabilityTTLSeconds int     `env:"CAPABILITY_TTL_SECONDS" envDefault:"3600"`
}

// STTConfig holds speech-to-text chunking settings
type STTConfig struct {
	ChunkBytes         int `env:"STT_CHUNK_BYTES" envDefault:"1048576"`
	MaxAudioBytes      int `env:"STT_MAX_AUDIO_BYTES" envDefault:"104857600"`
	SegmentConcurrency int `env:"STT_SEGMENT_CONCURRENCY" envDefault:"3"`
}

// StorageConfig holds durable session storage settings
type StorageConfig struct {
	DBPath          string        `env:"DB_PATH" envDefault:"./data/loqa-gemini.db"`
	RedisURL        string        `env:"REDIS_URL"`
	RedisSessionTTL time.Duration `env:"REDIS_SESSION_TTL" envDefault:"24h"`
	RecordEvents    bool          `env:"RECORD_EVENTS" envDefault:"false"` // keep dispatch events in DB_PATH
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	URL           string        `env:"NATS_URL"` // empty disables event publishing
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"gemini.events"`
	MaxReconnect  int           `env:"NATS_MAX_RECONNECT" envDefault:"10"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Dispatcher.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency limit must be positive: %d", c.Dispatcher.ConcurrencyLimit)
	}

	if c.Dispatcher.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit must not be negative: %f", c.Dispatcher.RateLimitRPS)
	}

	if c.Dispatcher.RequestTimeoutSeconds <= 0 || c.Dispatcher.AttemptTimeoutSeconds <= 0 {
		return fmt.Errorf("request and attempt timeouts must be positive")
	}

	if c.Dispatcher.MaxTimeoutSeconds < c.Dispatcher.RequestTimeoutSeconds {
		return fmt.Errorf("max timeout %ds is below request timeout %ds",
			c.Dispatcher.MaxTimeoutSeconds, c.Dispatcher.RequestTimeoutSeconds)
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive: %d", c.Cache.MaxEntries)
	}

	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache TTL must be positive: %d", c.Cache.TTLSeconds)
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive: %d", c.Retry.MaxAttempts)
	}

	if c.Retry.BaseDelayMS <= 0 || c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("invalid retry delays: base %dms, max %dms", c.Retry.BaseDelayMS, c.Retry.MaxDelayMS)
	}

	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within [0, 1]: %f", c.Retry.Jitter)
	}

	if c.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("conversation max turns must be positive: %d", c.Conversation.MaxTurns)
	}

	if c.Conversation.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("conversation idle timeout must be positive: %d", c.Conversation.IdleTimeoutSeconds)
	}

	switch strings.ToLower(c.Conversation.Store) {
	case "memory", "sqlite":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be provided for the redis conversation store")
		}
	default:
		return fmt.Errorf("unknown conversation store: %q", c.Conversation.Store)
	}

	if c.Gemini.BaseURL == "" {
		return fmt.Errorf("Gemini base URL must be provided")
	}

	if c.Gemini.VoiceSpeed < 0.25 || c.Gemini.VoiceSpeed > 4.0 {
		return fmt.Errorf("voice speed must be within [0.25, 4.0]: %f", c.Gemini.VoiceSpeed)
	}

	if c.STT.ChunkBytes <= 0 || c.STT.MaxAudioBytes < c.STT.ChunkBytes {
		return fmt.Errorf("invalid STT sizes: chunk %d, max %d", c.STT.ChunkBytes, c.STT.MaxAudioBytes)
	}

	if c.STT.SegmentConcurrency <= 0 {
		return fmt.Errorf("STT segment concurrency must be positive: %d", c.STT.SegmentConcurrency)
	}

	return nil
}

// RequestTimeout returns the default per-request timeout
func (d DispatcherConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutSeconds) * time.Second
}

// AttemptTimeout returns the timeout of a single transport attempt
func (d DispatcherConfig) AttemptTimeout() time.Duration {
	return time.Duration(d.AttemptTimeoutSeconds) * time.Second
}

// MaxTimeout returns the ceiling applied to caller supplied timeouts
func (d DispatcherConfig) MaxTimeout() time.Duration {
	return time.Duration(d.MaxTimeoutSeconds) * time.Second
}

// TTL returns the cache entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxElapsed() time.Duration {
	return time.Duration(r.MaxElapsedSeconds) * time.Second
}

// Policy returns the backoff policy described by these settings
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      r.BaseDelay(),
		MaxDelay:       r.MaxDelay(),
		MaxElapsed:     r.MaxElapsed(),
		JitterFraction: r.Jitter,
	}
}

// IdleTimeout returns how long a conversation may sit unused before eviction
func (c ConversationConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// CapabilityTTL returns how long a model and voice listing stays fresh
func (g GeminiConfig) CapabilityTTL() time.Duration {
	return time.Duration(g.CapabilityTTLSeconds) * time.Second
}
