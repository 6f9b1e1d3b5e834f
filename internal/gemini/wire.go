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

package gemini

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
)

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  voiceConfig `json:"voiceConfig"`
	LanguageCode string      `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type apiError struct {
	Error struct {
		Code    int              `json:"code"`
		Message string           `json:"message"`
		Status  string           `json:"status"`
		Details []map[string]any `json:"details"`
	} `json:"error"`
}

type modelList struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

// speakBody builds a single-speaker speech synthesis request. The API has no
// rate parameter, so a non-default speed is expressed in the prompt.
func speakBody(r dispatch.SpeakRequest) generateRequest {
	prompt := strings.TrimSpace(r.Text)
	if r.Speed != 0 && r.Speed != 1.0 {
		prompt = fmt.Sprintf("Say the following at %.2fx normal speaking speed: %s", r.Speed, prompt)
	}

	return generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig:  voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: r.Voice}},
				LanguageCode: r.Language,
			},
		},
	}
}

func transcribeBody(audio []byte, format, language string) generateRequest {
	prompt := "Please transcribe this audio"
	if language != "" {
		prompt += " in " + language
	}
	prompt += ":"

	return generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{
					MimeType: mimeForFormat(format),
					Data:     base64.StdEncoding.EncodeToString(audio),
				}},
			},
		}},
	}
}

func converseBody(r dispatch.ConverseRequest) generateRequest {
	body := generateRequest{}

	system := strings.TrimSpace(r.SystemPrompt)
	if r.Language != "" && !strings.HasPrefix(r.Language, "en") {
		system = strings.TrimSpace(system + "\nReply in the language with code " + r.Language + ".")
	}
	if system != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	for _, turn := range r.History {
		role := "user"
		if turn.Role == dispatch.RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: []part{{Text: turn.Text}}})
	}
	body.Contents = append(body.Contents, content{Role: "user", Parts: []part{{Text: r.Text}}})
	return body
}

// mimeForFormat maps an audio container name to the MIME type the API expects
func mimeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mp3"
	case "ogg":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "m4a", "aac":
		return "audio/aac"
	case "pcm":
		return "audio/L16;rate=16000"
	default:
		return "application/octet-stream"
	}
}

// formatForMime is the inverse of mimeForFormat for returned audio.
// Synthesized speech comes back as "audio/L16;codec=pcm;rate=24000".
func formatForMime(mime string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	switch base {
	case "audio/l16", "audio/pcm":
		return "pcm"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/mp3", "audio/mpeg":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	case "audio/flac":
		return "flac"
	default:
		return strings.TrimPrefix(base, "audio/")
	}
}

// text concatenates the text parts of the first candidate
func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// audio decodes the inline audio parts of the first candidate
func (r generateResponse) audio() ([]byte, string, error) {
	if len(r.Candidates) == 0 {
		return nil, "", nil
	}
	var (
		data   []byte
		format string
	)
	for _, p := range r.Candidates[0].Content.Parts {
		if p.InlineData == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode audio: %w", err)
		}
		data = append(data, decoded...)
		format = formatForMime(p.InlineData.MimeType)
	}
	return data, format, nil
}

func (r generateResponse) finished() bool {
	return len(r.Candidates) > 0 && r.Candidates[0].FinishReason != ""
}

func (r generateResponse) blocked() string {
	if r.PromptFeedback != nil {
		return r.PromptFeedback.BlockReason
	}
	return ""
}
