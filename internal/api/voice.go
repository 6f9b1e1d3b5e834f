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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/conversation"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/logging"
	"github.com/loqalabs/loqa-gemini/internal/security"
	"github.com/loqalabs/loqa-gemini/internal/voice"
)

// SpeakRequest is the body of POST /api/tts and /api/tts/preview
type SpeakRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
	Stream   bool    `json:"stream,omitempty"`
}

// TranscribeResponse is the body returned by POST /api/stt
type TranscribeResponse struct {
	Text string `json:"text"`
}

// ConversationRequest is the body of POST /api/conversation
type ConversationRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
}

// ConversationResponse is returned for a processed utterance
type ConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Turns          int    `json:"turns"`
}

// HistoryResponse is returned by GET /api/conversation/{id}
type HistoryResponse struct {
	ConversationID string          `json:"conversation_id"`
	Turns          []dispatch.Turn `json:"turns"`
}

// VoiceHandler exposes speech synthesis, transcription and conversation
type VoiceHandler struct {
	tts           *voice.TTS
	stt           *voice.STT
	conversations *conversation.Manager
	maxAudioBytes int64
}

// NewVoiceHandler creates a handler. Uploads above maxAudioBytes are refused
// before they are read completely.
func NewVoiceHandler(tts *voice.TTS, stt *voice.STT, conversations *conversation.Manager, maxAudioBytes int) *VoiceHandler {
	return &VoiceHandler{
		tts:           tts,
		stt:           stt,
		conversations: conversations,
		maxAudioBytes: int64(maxAudioBytes),
	}
}

// HandleSpeak handles POST /api/tts
func (h *VoiceHandler) HandleSpeak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	opts := voice.SpeakOptions{Voice: req.Voice, Speed: req.Speed, Language: req.Language}
	if req.Stream {
		h.streamSpeech(w, r, req.Text, opts)
		return
	}

	audio, err := h.tts.Speak(r.Context(), req.Text, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAudio(w, audio)
}

// HandlePreview handles POST /api/tts/preview. Previews are never cached.
func (h *VoiceHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SpeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	audio, err := h.tts.Preview(r.Context(), req.Voice, req.Speed, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAudio(w, audio)
}

// HandleVoices handles GET /api/voices
func (h *VoiceHandler) HandleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.tts.Voices(r.Context()))
}

// HandleTranscribe handles POST /api/stt?format=wav&language=en with the
// raw recording as the body
func (h *VoiceHandler) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "wav"
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxAudioBytes))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "audio exceeds "+humanize.IBytes(uint64(h.maxAudioBytes)), http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read audio", http.StatusBadRequest)
		return
	}

	text, err := h.stt.TranscribeFile(r.Context(), audio, format, r.URL.Query().Get("language"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscribeResponse{Text: text})
}

// HandleConversation handles POST /api/conversation
func (h *VoiceHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := security.ValidateConversationID(req.ConversationID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if logging.Logger != nil {
		logging.Logger.Debug("Conversation API request",
			zap.String("conversation_id", req.ConversationID),
			zap.String("text", security.SanitizeLogInput(req.Text)),
		)
	}

	reply, err := h.conversations.Process(r.Context(), conversation.Input{
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Language:       req.Language,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: reply.ConversationID,
		Text:           reply.Text,
		Turns:          reply.Turns,
	})
}

// HandleConversationByID handles GET and DELETE /api/conversation/{id}
func (h *VoiceHandler) HandleConversationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversation/"), "/")
	if err := security.ValidateConversationID(id); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id == "" {
		id = conversation.DefaultConversationID
	}

	switch r.Method {
	case http.MethodGet:
		turns, err := h.conversations.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if turns == nil {
			turns = []dispatch.Turn{}
		}
		writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Turns: turns})
	case http.MethodDelete:
		if err := h.conversations.Reset(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// streamSpeech writes chunks as they arrive. Once the first chunk is sent
// the status is committed, so a later failure just ends the body early.
func (h *VoiceHandler) streamSpeech(w http.ResponseWriter, r *http.Request, text string, opts voice.SpeakOptions) {
	flusher, _ := w.(http.Flusher)
	started := false

	for chunk, err := range h.tts.SpeakStream(r.Context(), text, opts) {
		if err != nil {
			if !started {
				writeError(w, err)
				return
			}
			logging.LogWarn("Speech stream ended early", zap.Error(err))
			return
		}
		if !started {
			w.Header().Set("Content-Type", contentType(chunk.Format))
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write(chunk.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeAudio(w http.ResponseWriter, audio *voice.Audio) {
	w.Header().Set("Content-Type", contentType(audio.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	if audio.Cached {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

// writeError maps a dispatch failure onto an HTTP status
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dispatch.KindOf(err) {
	case dispatch.KindMalformedRequest:
		status = http.StatusBadRequest
	case dispatch.KindInvalidCredential:
		status = http.StatusUnauthorized
	case dispatch.KindQuotaExceeded:
		status = http.StatusTooManyRequests
		var de *dispatch.Error
		if errors.As(err, &de) && de.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds()+0.5)))
		}
	case dispatch.KindTransient:
		status = http.StatusBadGateway
	case dispatch.KindLimiterTimeout, dispatch.KindClosed:
		status = http.StatusServiceUnavailable
	case dispatch.KindCancelled:
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		logging.LogError(err, "Request failed")
	}
	http.Error(w, err.Error(), status)
}

func contentType(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/L16;rate=24000"
	case dispatch.FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
