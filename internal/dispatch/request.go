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

package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/events"
)

// FormatText marks payloads and chunks that carry UTF-8 text
const FormatText = "text"

// Request is a logical request handed to the dispatcher. The transport owns
// the wire encoding; the dispatcher only fingerprints and schedules it.
type Request interface {
	// Capability names the adapter the request belongs to
	Capability() events.Capability
	// Fingerprint returns the cache key, or false when the result must not be cached
	Fingerprint() (string, bool)
	// Validate rejects requests that can never succeed
	Validate() error
}

// SpeakRequest synthesizes speech for Text
type SpeakRequest struct {
	Text     string
	Voice    string
	Speed    float64
	Language string
	Model    string
	// AllowCache is false for previews and other one-off renderings
	AllowCache bool
}

func (r SpeakRequest) Capability() events.Capability { return events.CapabilityTTS }

// Fingerprint keys on the text with surrounding whitespace trimmed. Case is
// significant since it can change pronunciation.
func (r SpeakRequest) Fingerprint() (string, bool) {
	if !r.AllowCache {
		return "", false
	}
	return fingerprint("speak",
		strings.TrimSpace(r.Text),
		r.Voice,
		fmt.Sprintf("%.3f", r.Speed),
		r.Language,
		r.Model,
	), true
}

func (r SpeakRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text is empty")
	}
	if r.Speed != 0 && (r.Speed < 0.25 || r.Speed > 4.0) {
		return fmt.Errorf("speed %.2f outside [0.25, 4.0]", r.Speed)
	}
	return nil
}

// TranscribeRequest transcribes a complete audio buffer
type TranscribeRequest struct {
	Audio    []byte
	Format   string
	Language string
	Model    string
}

func (r TranscribeRequest) Capability() events.Capability { return events.CapabilitySTT }

func (r TranscribeRequest) Fingerprint() (string, bool) {
	sum := sha256.Sum256(r.Audio)
	return fingerprint("transcribe",
		hex.EncodeToString(sum[:]),
		strings.ToLower(r.Format),
		r.Language,
		r.Model,
	), true
}

func (r TranscribeRequest) Validate() error {
	if len(r.Audio) == 0 {
		return errors.New("audio is empty")
	}
	return nil
}

// TranscribeStreamRequest transcribes live audio as it arrives. It is only
// valid with SubmitStream and is never cached.
type TranscribeStreamRequest struct {
	Audio    <-chan []byte
	Format   string
	Language string
	Model    string
}

func (r TranscribeStreamRequest) Capability() events.Capability { return events.CapabilitySTT }

func (r TranscribeStreamRequest) Fingerprint() (string, bool) { return "", false }

func (r TranscribeStreamRequest) Validate() error {
	if r.Audio == nil {
		return errors.New("audio source is nil")
	}
	return nil
}

// Role identifies who produced a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ConverseRequest asks for the next assistant reply. History holds prior
// turns, oldest first, and does not include Text.
type ConverseRequest struct {
	ConversationID string
	Text           string
	SystemPrompt   string
	Language       string
	Model          string
	History        []Turn
}

func (r ConverseRequest) Capability() events.Capability { return events.CapabilityConversation }

func (r ConverseRequest) Fingerprint() (string, bool) { return "", false }

func (r ConverseRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text is empty")
	}
	return nil
}

// Payload is a complete result
type Payload struct {
	Data   []byte
	Format string
	Cached bool
}

// Text returns the payload as a string
func (p Payload) Text() string {
	return string(p.Data)
}

// Chunk is one piece of a streamed result
type Chunk struct {
	Seq    int
	Data   []byte
	Format string
	Final  bool
}

// Text returns the chunk as a string
func (c Chunk) Text() string {
	return string(c.Data)
}

// fingerprint hashes length-prefixed parts so no two part lists collide
func fingerprint(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
