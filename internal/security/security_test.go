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


package security

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeLogInput(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Clean input",
			input:    "turn on the kitchen lights",
			expected: "turn on the kitchen lights",
		},
		{
			name:     "CRLF sequence",
			input:    "line1\r\nline2",
			expected: "line1line2",
		},
		{
			name:     "Log injection attempt",
			input:    "what time is it\nERROR: fake error message",
			expected: "what time is itERROR: fake error message",
		},
		{
			name:     "ANSI escape and tab dropped",
			input:    "normal\t\x1b[31mFAKE\x1b[0m",
			expected: "normal[31mFAKE[0m",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "Unicode characters preserved",
			input:    "Hallo Küche 世界\n",
			expected: "Hallo Küche 世界",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeLogInput(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeLogInput(%q) = %q, want %q", tt.input, result, tt.expected)
			}
			if strings.ContainsAny(result, "\n\r\x1b") {
				t.Errorf("SanitizeLogInput(%q) still contains control characters: %q", tt.input, result)
			}
		})
	}
}

func TestSanitizeLogInput_Truncates(t *testing.T) {
	long := strings.Repeat("ä", MaxLogInput+50)

	result := SanitizeLogInput(long)

	if got := []rune(result); len(got) != MaxLogInput+1 {
		t.Fatalf("SanitizeLogInput() kept %d runes, want %d", len(got), MaxLogInput+1)
	}
	if !strings.HasSuffix(result, "…") {
		t.Errorf("SanitizeLogInput() = %q, want ellipsis suffix", result)
	}
}

func TestValidateConversationID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"", true},
		{"default", true},
		{"living-room_01", true},
		{"satellite.kitchen:7", true},
		{"../etc/passwd", false},
		{"a..b", false},
		{"with space", false},
		{"slash/inside", false},
		{"back\\slash", false},
		{"newline\n", false},
		{strings.Repeat("x", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateConversationID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("ValidateConversationID(%q) = %v, want nil", tt.id, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidConversationID) {
				t.Errorf("ValidateConversationID(%q) = %v, want ErrInvalidConversationID", tt.id, err)
			}
		})
	}
}
