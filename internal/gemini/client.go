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

// Package gemini is the HTTP transport for the Gemini generative language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// maxErrorBody bounds how much of an error response is read
	maxErrorBody = 64 << 10
)

// CredentialSource supplies the API key for each call
type CredentialSource interface {
	Credential() capability.Credential
}

// Config configures a Client
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// SegmentBytes is how much live audio is collected before it is transcribed
	SegmentBytes int
	// Models used when a request names none
	TTSModel          string
	STTModel          string
	ConversationModel string
}

// Client implements dispatch.Transport and capability.Fetcher
type Client struct {
	baseURL string
	client  *http.Client
	creds   CredentialSource
	cfg     Config
}

// NewClient creates a client that reads its key from creds on every call
func NewClient(cfg Config, creds CredentialSource) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		// Per-call deadlines come from the context
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 1 << 20
	}
	defaults := capability.DefaultSnapshot()
	if cfg.TTSModel == "" {
		cfg.TTSModel = defaults.DefaultModel(events.CapabilityTTS)
	}
	if cfg.STTModel == "" {
		cfg.STTModel = defaults.DefaultModel(events.CapabilitySTT)
	}
	if cfg.ConversationModel == "" {
		cfg.ConversationModel = defaults.DefaultModel(events.CapabilityConversation)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		creds:   creds,
		cfg:     cfg,
	}
}

// SendUnary performs one generateContent call
func (c *Client) SendUnary(ctx context.Context, req dispatch.Request) (dispatch.Payload, error) {
	switch r := req.(type) {
	case dispatch.SpeakRequest:
		resp, err := c.generate(ctx, c.model(r.Model, c.cfg.TTSModel), speakBody(r))
		if err != nil {
			return dispatch.Payload{}, err
		}
		data, format, err := resp.audio()
		if err != nil {
			return dispatch.Payload{}, &dispatch.TransportError{Code: codes.Internal, Message: "undecodable audio", Err: err}
		}
		if len(data) == 0 {
			return dispatch.Payload{}, &dispatch.TransportError{Code: codes.Internal, Message: "response contained no audio"}
		}
		return dispatch.Payload{Data: data, Format: format}, nil

	case dispatch.TranscribeRequest:
		text, err := c.transcribe(ctx, r.Model, r.Audio, r.Format, r.Language)
		if err != nil {
			return dispatch.Payload{}, err
		}
		return dispatch.Payload{Data: []byte(text), Format: dispatch.FormatText}, nil

	case dispatch.ConverseRequest:
		resp, err := c.generate(ctx, c.model(r.Model, c.cfg.ConversationModel), converseBody(r))
		if err != nil {
			return dispatch.Payload{}, err
		}
		return dispatch.Payload{Data: []byte(strings.TrimSpace(resp.text())), Format: dispatch.FormatText}, nil

	default:
		return dispatch.Payload{}, &dispatch.TransportError{
			Code:    codes.Unimplemented,
			Message: fmt.Sprintf("unsupported request type %T", req),
		}
	}
}

// OpenStream starts a streamed call. Speech and conversation use the
// server-sent event endpoint; live transcription transcribes the incoming
// audio one segment at a time.
func (c *Client) OpenStream(ctx context.Context, req dispatch.Request) (dispatch.Stream, error) {
	switch r := req.(type) {
	case dispatch.SpeakRequest:
		return c.openEvents(ctx, c.model(r.Model, c.cfg.TTSModel), speakBody(r))
	case dispatch.ConverseRequest:
		return c.openEvents(ctx, c.model(r.Model, c.cfg.ConversationModel), converseBody(r))
	case dispatch.TranscribeStreamRequest:
		if c.creds == nil || c.creds.Credential().IsZero() {
			return nil, missingCredential()
		}
		return newLiveStream(ctx, c, r), nil
	default:
		return nil, &dispatch.TransportError{
			Code:    codes.Unimplemented,
			Message: fmt.Sprintf("unsupported stream request type %T", req),
		}
	}
}

func (c *Client) transcribe(ctx context.Context, model string, audio []byte, format, language string) (string, error) {
	resp, err := c.generate(ctx, c.model(model, c.cfg.STTModel), transcribeBody(audio, format, language))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.text()), nil
}

func (c *Client) generate(ctx context.Context, model string, body generateRequest) (generateResponse, error) {
	var out generateResponse

	resp, err := c.post(ctx, c.modelURL(model, "generateContent", nil), body)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &dispatch.TransportError{Code: codes.Internal, Message: "malformed response", Err: err}
	}
	if reason := out.blocked(); reason != "" {
		return out, &dispatch.TransportError{
			StatusCode: http.StatusBadRequest,
			Code:       codes.InvalidArgument,
			Message:    "prompt blocked: " + reason,
		}
	}
	return out, nil
}

func (c *Client) openEvents(ctx context.Context, model string, body generateRequest) (dispatch.Stream, error) {
	query := url.Values{"alt": {"sse"}}
	resp, err := c.post(ctx, c.modelURL(model, "streamGenerateContent", query), body)
	if err != nil {
		return nil, err
	}
	return newEventStream(resp), nil
}

// post sends body as JSON and returns the response only when it succeeded
func (c *Client) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &dispatch.TransportError{Code: codes.InvalidArgument, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &dispatch.TransportError{Code: codes.InvalidArgument, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.creds == nil || c.creds.Credential().IsZero() {
		return nil, missingCredential()
	}
	req.Header.Set("x-goog-api-key", c.creds.Credential().Reveal())

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, networkError(req.Context(), err)
	}

	if logging.Logger != nil {
		logging.Logger.Debug("Gemini API call",
			zap.String("path", req.URL.Path),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", time.Since(started)),
		)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func (c *Client) model(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func (c *Client) modelURL(model, method string, query url.Values) string {
	u := fmt.Sprintf("%s/models/%s:%s", c.baseURL, url.PathEscape(strings.TrimPrefix(model, "models/")), method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func missingCredential() error {
	return &dispatch.TransportError{
		StatusCode: http.StatusUnauthorized,
		Code:       codes.Unauthenticated,
		Message:    "no API key configured",
		Err:        capability.ErrNoCredential,
	}
}

// networkError maps a failed round trip onto a canonical code
func networkError(ctx context.Context, err error) error {
	code := codes.Unavailable
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = codes.DeadlineExceeded
		}
	}
	return &dispatch.TransportError{Code: code, Message: "request failed", Err: err}
}

// responseError decodes a Google API error body. Status names map onto
// canonical codes, RetryInfo details and Retry-After headers become the
// retry hint, and daily quota violations mark the quota as spent.
func responseError(resp *http.Response) error {
	te := &dispatch.TransportError{
		StatusCode: resp.StatusCode,
		Code:       httpCode(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body apiError
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Message == "" {
		if msg := strings.TrimSpace(string(raw)); msg != "" {
			te.Message = msg
		}
		return te
	}

	te.Message = body.Error.Message
	if body.Error.Status != "" {
		var code codes.Code
		if err := code.UnmarshalJSON([]byte(strconv.Quote(body.Error.Status))); err == nil {
			te.Code = code
		}
	}

	for _, detail := range body.Error.Details {
		typ, _ := detail["@type"].(string)
		switch {
		case strings.HasSuffix(typ, "google.rpc.RetryInfo"):
			if delay, ok := detail["retryDelay"].(string); ok && te.RetryAfter == 0 {
				if d, err := time.ParseDuration(delay); err == nil {
					te.RetryAfter = d
				}
			}
		case strings.HasSuffix(typ, "google.rpc.QuotaFailure"):
			violations, _ := detail["violations"].([]any)
			for _, v := range violations {
				violation, _ := v.(map[string]any)
				if id, _ := violation["quotaId"].(string); strings.Contains(id, "PerDay") {
					te.QuotaExhausted = true
				}
			}
		}
	}
	return te
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func httpCode(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	if status >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}
