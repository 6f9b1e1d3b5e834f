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


// Package security validates caller supplied identifiers and text before
// they reach storage keys or log lines.
package security

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLogInput is the longest user supplied string written to a log line
const MaxLogInput = 200

var (
	// ErrInvalidConversationID is returned when a conversation ID format is invalid
	ErrInvalidConversationID = errors.New("invalid conversation ID")

	// conversation IDs end up in redis keys and sqlite rows
	conversationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)
)

// SanitizeLogInput drops control characters, so user text cannot forge log
// lines, and truncates it to MaxLogInput runes
func SanitizeLogInput(input string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)

	if utf8.RuneCountInString(sanitized) <= MaxLogInput {
		return sanitized
	}
	runes := []rune(sanitized)
	return string(runes[:MaxLogInput]) + "…"
}

// ValidateConversationID accepts the empty ID, which selects the default
// conversation, and otherwise only ASCII letters, digits, dash, underscore,
// dot and colon without parent directory references
func ValidateConversationID(id string) error {
	if id == "" {
		return nil
	}
	if strings.Contains(id, "..") {
		return ErrInvalidConversationID
	}
	if !conversationIDPattern.MatchString(id) {
		return ErrInvalidConversationID
	}
	return nil
}
