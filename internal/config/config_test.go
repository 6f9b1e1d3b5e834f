package config

import (
	"os"
	"testing"
	"time"
)

var configEnvVars = []string{
	"LOQA_GEMINI_HOST", "LOQA_GEMINI_PORT", "LOQA_GEMINI_READ_TIMEOUT", "LOQA_GEMINI_WRITE_TIMEOUT",
	"CONCURRENCY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT_SECONDS",
	"ATTEMPT_TIMEOUT_SECONDS", "MAX_TIMEOUT_SECONDS", "EVENT_BUFFER",
	"CACHE_MAX_ENTRIES", "CACHE_TTL_SECONDS", "CACHE_SNAPSHOT_PATH",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY_MS", "RETRY_MAX_DELAY_MS", "RETRY_MAX_ELAPSED_SECONDS", "RETRY_JITTER",
	"CONVERSATION_MAX_TURNS", "CONVERSATION_IDLE_TIMEOUT_SECONDS", "CONVERSATION_STORE", "CONVERSATION_SYSTEM_PROMPT",
	"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_TTS_MODEL", "GEMINI_STT_MODEL", "GEMINI_CONVERSATION_MODEL",
	"GEMINI_DEFAULT_VOICE", "GEMINI_VOICE_SPEED", "GEMINI_LANGUAGE", "CAPABILITY_TTL_SECONDS",
	"STT_CHUNK_BYTES", "STT_MAX_AUDIO_BYTES", "STT_SEGMENT_CONCURRENCY",
	"DB_PATH", "REDIS_URL", "REDIS_SESSION_TTL", "RECORD_EVENTS",
	"NATS_URL", "NATS_SUBJECT_PREFIX", "NATS_MAX_RECONNECT", "NATS_RECONNECT_WAIT",
	"LOG_LEVEL", "LOG_FORMAT",
}

// clearEnvVars unsets every variable Load reads and restores them after the test
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3100 {
		t.Errorf("Server.Port = %d, want 3100", cfg.Server.Port)
	}
	if cfg.Dispatcher.ConcurrencyLimit != 5 {
		t.Errorf("Dispatcher.ConcurrencyLimit = %d, want 5", cfg.Dispatcher.ConcurrencyLimit)
	}
	if cfg.Dispatcher.RequestTimeout() != 30*time.Second {
		t.Errorf("Dispatcher.RequestTimeout() = %v, want 30s", cfg.Dispatcher.RequestTimeout())
	}
	if cfg.Cache.MaxEntries != 100 {
		t.Errorf("Cache.MaxEntries = %d, want 100", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.TTL() != time.Hour {
		t.Errorf("Cache.TTL() = %v, want 1h", cfg.Cache.TTL())
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay() != time.Second {
		t.Errorf("Retry.BaseDelay() = %v, want 1s", cfg.Retry.BaseDelay())
	}
	if cfg.Conversation.Store != "memory" {
		t.Errorf("Conversation.Store = %q, want %q", cfg.Conversation.Store, "memory")
	}
	if cfg.Conversation.SystemPrompt != "You are a helpful Home Assistant voice assistant." {
		t.Errorf("Conversation.SystemPrompt = %q", cfg.Conversation.SystemPrompt)
	}
	if cfg.Gemini.DefaultVoice != "Aoede" {
		t.Errorf("Gemini.DefaultVoice = %q, want %q", cfg.Gemini.DefaultVoice, "Aoede")
	}
	if cfg.Gemini.BaseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Errorf("Gemini.BaseURL = %q", cfg.Gemini.BaseURL)
	}
	if cfg.STT.ChunkBytes != 1<<20 {
		t.Errorf("STT.ChunkBytes = %d, want %d", cfg.STT.ChunkBytes, 1<<20)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS.URL = %q, want empty", cfg.NATS.URL)
	}
	if cfg.NATS.ReconnectWait != 2*time.Second {
		t.Errorf("NATS.ReconnectWait = %v, want 2s", cfg.NATS.ReconnectWait)
	}
	if cfg.Storage.RedisSessionTTL != 24*time.Hour {
		t.Errorf("Storage.RedisSessionTTL = %v, want 24h", cfg.Storage.RedisSessionTTL)
	}

	policy := cfg.Retry.Policy()
	if policy.MaxAttempts != 3 || policy.MaxDelay != 30*time.Second || policy.JitterFraction != 0.2 {
		t.Errorf("Retry.Policy() = %+v", policy)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Dispatcher configuration",
			envVars: map[string]string{
				"CONCURRENCY_LIMIT":       "8",
				"RATE_LIMIT_RPS":          "2.5",
				"REQUEST_TIMEOUT_SECONDS": "10",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Dispatcher.ConcurrencyLimit != 8 {
					t.Errorf("ConcurrencyLimit = %d, want 8", cfg.Dispatcher.ConcurrencyLimit)
				}
				if cfg.Dispatcher.RateLimitRPS != 2.5 {
					t.Errorf("RateLimitRPS = %f, want 2.5", cfg.Dispatcher.RateLimitRPS)
				}
				if cfg.Dispatcher.RequestTimeout() != 10*time.Second {
					t.Errorf("RequestTimeout() = %v, want 10s", cfg.Dispatcher.RequestTimeout())
				}
			},
		},
		{
			name: "Retry configuration",
			envVars: map[string]string{
				"RETRY_MAX_ATTEMPTS":  "5",
				"RETRY_BASE_DELAY_MS": "250",
				"RETRY_MAX_DELAY_MS":  "4000",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Retry.MaxAttempts != 5 {
					t.Errorf("MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
				}
				if cfg.Retry.BaseDelay() != 250*time.Millisecond {
					t.Errorf("BaseDelay() = %v, want 250ms", cfg.Retry.BaseDelay())
				}
				if cfg.Retry.MaxDelay() != 4*time.Second {
					t.Errorf("MaxDelay() = %v, want 4s", cfg.Retry.MaxDelay())
				}
			},
		},
		{
			name: "Conversation with redis store",
			envVars: map[string]string{
				"CONVERSATION_STORE":     "redis",
				"REDIS_URL":              "redis://localhost:6379/0",
				"CONVERSATION_MAX_TURNS": "6",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Conversation.Store != "redis" {
					t.Errorf("Store = %q, want redis", cfg.Conversation.Store)
				}
				if cfg.Conversation.MaxTurns != 6 {
					t.Errorf("MaxTurns = %d, want 6", cfg.Conversation.MaxTurns)
				}
			},
		},
		{
			name: "NATS configuration",
			envVars: map[string]string{
				"NATS_URL":            "nats://nats:4222",
				"NATS_RECONNECT_WAIT": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.NATS.URL != "nats://nats:4222" {
					t.Errorf("NATS.URL = %q", cfg.NATS.URL)
				}
				if cfg.NATS.ReconnectWait != 5*time.Second {
					t.Errorf("NATS.ReconnectWait = %v, want 5s", cfg.NATS.ReconnectWait)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{"port out of range", map[string]string{"LOQA_GEMINI_PORT": "70000"}},
		{"zero concurrency", map[string]string{"CONCURRENCY_LIMIT": "0"}},
		{"zero cache entries", map[string]string{"CACHE_MAX_ENTRIES": "0"}},
		{"max delay below base", map[string]string{"RETRY_BASE_DELAY_MS": "5000", "RETRY_MAX_DELAY_MS": "100"}},
		{"jitter above one", map[string]string{"RETRY_JITTER": "1.5"}},
		{"unknown store", map[string]string{"CONVERSATION_STORE": "postgres"}},
		{"redis without url", map[string]string{"CONVERSATION_STORE": "redis"}},
		{"speed out of range", map[string]string{"GEMINI_VOICE_SPEED": "9"}},
		{"max timeout below request timeout", map[string]string{"MAX_TIMEOUT_SECONDS": "5"}},
		{"unparseable int", map[string]string{"CONCURRENCY_LIMIT": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			if _, err := Load(); err == nil {
				t.Error("Load() expected error but got none")
			}
		})
	}
}
