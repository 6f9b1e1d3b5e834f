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
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// SupportedFormats are the audio containers accepted for transcription
var SupportedFormats = []string{"wav", "mp3", "ogg", "flac", "m4a", "pcm"}

// STTConfig holds transcription defaults and segmenting limits
type STTConfig struct {
	Language      string
	Model         string
	ChunkBytes    int // audio above this size is split into segments
	MaxAudioBytes int
	Concurrency   int // segments transcribed at once
	Timeout       time.Duration
}

// STT turns audio into text through the dispatcher
type STT struct {
	dispatcher Dispatcher
	caps       Capabilities
	cfg        STTConfig
}

// NewSTT creates a transcription adapter
func NewSTT(d Dispatcher, caps Capabilities, cfg STTConfig) *STT {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 1 << 20
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 100 << 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &STT{dispatcher: d, caps: caps, cfg: cfg}
}

// TranscribeFile transcribes a complete recording. Recordings larger than
// ChunkBytes are split into segments that are transcribed in parallel and
// joined in their original order.
func (s *STT) TranscribeFile(ctx context.Context, audio []byte, format, language string) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	if err := s.check(format); err != nil {
		return "", err
	}
	if len(audio) > s.cfg.MaxAudioBytes {
		return "", &dispatch.Error{
			Kind: dispatch.KindMalformedRequest,
			Op:   string(events.CapabilitySTT),
			Err: fmt.Errorf("audio is %s, limit is %s",
				humanize.IBytes(uint64(len(audio))), humanize.IBytes(uint64(s.cfg.MaxAudioBytes))),
		}
	}

	language = firstNonEmpty(language, s.cfg.Language)
	model := s.model(ctx)
	segments := split(audio, s.cfg.ChunkBytes)
	parts := make([]string, len(segments))
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, segment := range segments {
		g.Go(func() error {
			payload, err := s.dispatcher.Submit(gctx, dispatch.TranscribeRequest{
				Audio:    segment,
				Format:   format,
				Language: language,
				Model:    model,
			}, s.cfg.Timeout)
			if err != nil {
				return err
			}
			parts[i] = strings.TrimSpace(payload.Text())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	text := strings.Join(slices.DeleteFunc(parts, func(p string) bool { return p == "" }), " ")
	logging.LogSTTOperation("transcribe",
		zap.String("format", format),
		zap.String("audio_size", humanize.IBytes(uint64(len(audio)))),
		zap.Int("segments", len(segments)),
		zap.Int("text_length", len(text)),
		zap.Duration("duration", time.Since(started)),
	)
	return text, nil
}

// TranscribeStream transcribes audio as it arrives. The sequence yields one
// partial transcript per segment; the last chunk is marked Final.
func (s *STT) TranscribeStream(ctx context.Context, audio <-chan []byte, format, language string) iter.Seq2[dispatch.Chunk, error] {
	if err := s.check(format); err != nil {
		return func(yield func(dispatch.Chunk, error) bool) {
			yield(dispatch.Chunk{}, err)
		}
	}
	return s.dispatcher.SubmitStream(ctx, dispatch.TranscribeStreamRequest{
		Audio:    audio,
		Format:   format,
		Language: firstNonEmpty(language, s.cfg.Language),
		Model:    s.model(ctx),
	}, s.cfg.Timeout)
}

func (s *STT) check(format string) error {
	if slices.Contains(SupportedFormats, strings.ToLower(format)) {
		return nil
	}
	return &dispatch.Error{
		Kind: dispatch.KindMalformedRequest,
		Op:   string(events.CapabilitySTT),
		Err:  fmt.Errorf("unsupported audio format %q", format),
	}
}

func (s *STT) model(ctx context.Context) string {
	if s.cfg.Model != "" || s.caps == nil {
		return s.cfg.Model
	}
	return s.caps.Snapshot(ctx).DefaultModel(events.CapabilitySTT)
}

// split cuts audio into pieces of at most size bytes without copying
func split(audio []byte, size int) [][]byte {
	segments := make([][]byte, 0, (len(audio)+size-1)/size)
	for chunk := range slices.Chunk(audio, size) {
		segments = append(segments, chunk)
	}
	return segments
}
