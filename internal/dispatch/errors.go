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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loqalabs/loqa-gemini/internal/retry"
)

// Kind is the caller-facing category of a dispatch failure
type Kind string

const (
	KindInvalidCredential Kind = "invalid_credential"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindTransient         Kind = "transient"
	KindMalformedRequest  Kind = "malformed_request"
	KindLimiterTimeout    Kind = "limiter_timeout"
	KindCancelled         Kind = "cancelled"
	KindClosed            Kind = "closed"
)

// Error is returned for every failed dispatch
type Error struct {
	Kind       Kind
	Op         string
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is matching on Kind
var (
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrMalformedRequest  = &Error{Kind: KindMalformedRequest}
	ErrLimiterTimeout    = &Error{Kind: KindLimiterTimeout}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrClosed            = &Error{Kind: KindClosed}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels, which carry only a Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" when err did not come from the dispatcher
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return ""
}

// TransportError is how transports report a failed remote call
type TransportError struct {
	StatusCode int        // HTTP status, 0 when not applicable
	Code       codes.Code // canonical status code
	Message    string
	RetryAfter time.Duration
	// QuotaExhausted marks a 429 caused by a spent quota rather than a burst
	QuotaExhausted bool
	Err            error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote call failed with status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("remote call failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("remote call failed (%s): %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError and status.Code read the canonical code
func (e *TransportError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// classify maps a failed attempt onto a Kind and a retry class
func classify(err error) (Kind, retry.Class) {
	if errors.Is(err, context.Canceled) {
		return KindCancelled, retry.Cancelled
	}

	var te *TransportError
	if errors.As(err, &te) {
		if te.QuotaExhausted {
			return KindQuotaExceeded, retry.Permanent
		}
		switch {
		case te.StatusCode == http.StatusUnauthorized, te.StatusCode == http.StatusForbidden:
			return KindInvalidCredential, retry.Permanent
		case te.StatusCode == http.StatusTooManyRequests:
			return KindTransient, retry.Transient
		case te.StatusCode == http.StatusRequestTimeout:
			return KindTransient, retry.Transient
		case te.StatusCode >= 500:
			return KindTransient, retry.Transient
		case te.StatusCode >= 400:
			return KindMalformedRequest, retry.Permanent
		}
		return classifyCode(te.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, retry.Transient
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return classifyCode(s.Code())
	}

	// Network failures and anything unrecognised are worth another attempt.
	return KindTransient, retry.Transient
}

func classifyCode(code codes.Code) (Kind, retry.Class) {
	switch code {
	case codes.Canceled:
		return KindCancelled, retry.Cancelled
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindInvalidCredential, retry.Permanent
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented, codes.AlreadyExists:
		return KindMalformedRequest, retry.Permanent
	default:
		return KindTransient, retry.Transient
	}
}

// rateLimit reports whether err is a throttling response and its retry hint
func rateLimit(err error) (time.Duration, bool) {
	var te *TransportError
	if !errors.As(err, &te) || te.QuotaExhausted {
		return 0, false
	}
	if te.StatusCode == http.StatusTooManyRequests || te.Code == codes.ResourceExhausted {
		return te.RetryAfter, true
	}
	return 0, false
}

// retryAfter returns the server's retry hint if err carries one
func retryAfter(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
