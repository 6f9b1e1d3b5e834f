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

package voice

import (
	"context"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// DefaultPreviewText is spoken by Preview when no text is given
const DefaultPreviewText = "Hello, this is a voice preview."

// TTSConfig holds the defaults applied to every synthesis
type TTSConfig struct {
	Voice    string
	Speed    float64
	Language string
	Model    string
	Timeout  time.Duration // 0 uses the dispatcher default
}

// SpeakOptions override the configured defaults for one call
type SpeakOptions struct {
	Voice    string
	Speed    float64
	Language string
	Model    string
}

// Audio is synthesized speech
type Audio struct {
	Data   []byte
	Format string
	Cached bool
}

// TTS turns text into speech through the dispatcher
type TTS struct {
	dispatcher Dispatcher
	caps       Capabilities
	cfg        TTSConfig
}

// NewTTS creates a speech synthesis adapter
func NewTTS(d Dispatcher, caps Capabilities, cfg TTSConfig) *TTS {
	if cfg.Speed == 0 {
		cfg.Speed = 1.0
	}
	return &TTS{dispatcher: d, caps: caps, cfg: cfg}
}

// Speak synthesizes text. Identical requests are answered from the cache.
func (t *TTS) Speak(ctx context.Context, text string, opts SpeakOptions) (*Audio, error) {
	req := t.request(ctx, text, opts, true)
	started := time.Now()

	payload, err := t.dispatcher.Submit(ctx, req, t.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	logging.LogTTSOperation("speak",
		zap.String("voice", req.Voice),
		zap.Int("text_length", len(req.Text)),
		zap.Int("audio_bytes", len(payload.Data)),
		zap.Bool("cached", payload.Cached),
		zap.Duration("duration", time.Since(started)),
	)
	return &Audio{Data: payload.Data, Format: payload.Format, Cached: payload.Cached}, nil
}

// Preview speaks sample text with a voice and speed that are used only for
// this call. Previews always reach the remote service.
func (t *TTS) Preview(ctx context.Context, voice string, speed float64, text string) (*Audio, error) {
	if text == "" {
		text = DefaultPreviewText
	}
	req := t.request(ctx, text, SpeakOptions{Voice: voice, Speed: speed}, false)

	payload, err := t.dispatcher.Submit(ctx, req, t.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	logging.LogTTSOperation("preview", zap.String("voice", req.Voice), zap.Float64("speed", req.Speed))
	return &Audio{Data: payload.Data, Format: payload.Format}, nil
}

// SpeakStream synthesizes text as a lazy chunk sequence
func (t *TTS) SpeakStream(ctx context.Context, text string, opts SpeakOptions) iter.Seq2[dispatch.Chunk, error] {
	return t.dispatcher.SubmitStream(ctx, t.request(ctx, text, opts, true), t.cfg.Timeout)
}

// Voices lists the selectable voices
func (t *TTS) Voices(ctx context.Context) []capability.Voice {
	if t.caps == nil {
		return capability.DefaultSnapshot().Voices
	}
	return t.caps.Snapshot(ctx).Voices
}

func (t *TTS) request(ctx context.Context, text string, opts SpeakOptions, allowCache bool) dispatch.SpeakRequest {
	req := dispatch.SpeakRequest{
		Text:       text,
		Voice:      firstNonEmpty(opts.Voice, t.cfg.Voice),
		Speed:      t.cfg.Speed,
		Language:   firstNonEmpty(opts.Language, t.cfg.Language),
		Model:      firstNonEmpty(opts.Model, t.cfg.Model),
		AllowCache: allowCache,
	}
	if opts.Speed != 0 {
		req.Speed = opts.Speed
	}
	if req.Model == "" && t.caps != nil {
		req.Model = t.caps.Snapshot(ctx).DefaultModel(events.CapabilityTTS)
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
