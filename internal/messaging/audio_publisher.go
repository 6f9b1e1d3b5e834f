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


package messaging

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// AudioMessage carries synthesized speech, whole or one chunk at a time
type AudioMessage struct {
	StreamID   string `json:"stream_id"`
	Seq        int    `json:"seq"`
	Final      bool   `json:"final"`
	AudioData  []byte `json:"audio_data"`
	Format     string `json:"audio_format"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
}

// AudioPublisher delivers synthesized speech to playback targets on
// <prefix>.audio.<target>
type AudioPublisher struct {
	pub    Publisher
	prefix string
}

// NewAudioPublisher creates an audio publisher
func NewAudioPublisher(pub Publisher, prefix string) *AudioPublisher {
	if prefix == "" {
		prefix = "gemini"
	}
	return &AudioPublisher{pub: pub, prefix: prefix}
}

// Subject returns the subject audio for target is published on
func (ap *AudioPublisher) Subject(target string) string {
	if target == "" {
		target = "broadcast"
	}
	return ap.prefix + ".audio." + target
}

// PublishAudio sends a complete recording as one final message
func (ap *AudioPublisher) PublishAudio(target string, audio []byte, format string, sampleRate int, text string) (string, error) {
	streamID := uuid.NewString()
	msg := AudioMessage{
		StreamID:   streamID,
		Final:      true,
		AudioData:  audio,
		Format:     format,
		SampleRate: sampleRate,
		Text:       text,
	}
	if err := ap.send(target, msg); err != nil {
		return "", err
	}

	logging.LogNATSEvent(ap.Subject(target), "audio_published",
		zap.String("stream_id", streamID),
		zap.String("size", humanize.IBytes(uint64(len(audio)))),
	)
	return streamID, nil
}

// PublishStream forwards chunks as they are produced. It stops at the first
// error from the sequence or the bus and returns how many chunks were sent.
func (ap *AudioPublisher) PublishStream(target string, chunks iter.Seq2[dispatch.Chunk, error], sampleRate int) (string, int, error) {
	streamID := uuid.NewString()
	sent := 0

	for chunk, err := range chunks {
		if err != nil {
			return streamID, sent, err
		}
		msg := AudioMessage{
			StreamID:   streamID,
			Seq:        chunk.Seq,
			Final:      chunk.Final,
			AudioData:  chunk.Data,
			Format:     chunk.Format,
			SampleRate: sampleRate,
		}
		if err := ap.send(target, msg); err != nil {
			return streamID, sent, err
		}
		sent++
	}

	logging.LogNATSEvent(ap.Subject(target), "audio_stream_published",
		zap.String("stream_id", streamID),
		zap.Int("chunks", sent),
	)
	return streamID, sent, nil
}

func (ap *AudioPublisher) send(target string, msg AudioMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal audio message: %w", err)
	}
	if err := ap.pub.Publish(ap.Subject(target), data); err != nil {
		return fmt.Errorf("failed to publish audio: %w", err)
	}
	return nil
}
