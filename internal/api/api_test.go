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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
)

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"malformed", &dispatch.Error{Kind: dispatch.KindMalformedRequest}, http.StatusBadRequest},
		{"credential", &dispatch.Error{Kind: dispatch.KindInvalidCredential}, http.StatusUnauthorized},
		{"quota", &dispatch.Error{Kind: dispatch.KindQuotaExceeded}, http.StatusTooManyRequests},
		{"transient", &dispatch.Error{Kind: dispatch.KindTransient, Attempts: 3}, http.StatusBadGateway},
		{"limiter", &dispatch.Error{Kind: dispatch.KindLimiterTimeout}, http.StatusServiceUnavailable},
		{"closed", &dispatch.Error{Kind: dispatch.KindClosed}, http.StatusServiceUnavailable},
		{"cancelled", context.Canceled, http.StatusRequestTimeout},
		{"wrapped", fmt.Errorf("speak: %w", &dispatch.Error{Kind: dispatch.KindTransient}), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestWriteError_RetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &dispatch.Error{Kind: dispatch.KindQuotaExceeded, RetryAfter: 13 * time.Second})

	if got := rec.Header().Get("Retry-After"); got != "13" {
		t.Errorf("Retry-After = %q, want 13", got)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 7},
		{"3", 3},
		{"-2", -2},
		{"many", 7},
	}
	for _, tt := range tests {
		if got := parseIntParam(tt.in, 7); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"pcm":               "audio/L16;rate=24000",
		"WAV":               "audio/wav",
		dispatch.FormatText: "text/plain; charset=utf-8",
		"weird":             "application/octet-stream",
	}
	for format, want := range tests {
		if got := contentType(format); got != want {
			t.Errorf("contentType(%q) = %q, want %q", format, got, want)
		}
	}
}
