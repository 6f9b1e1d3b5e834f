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

// Package voice adapts speech synthesis and transcription onto the dispatcher.
package voice

import (
	"context"
	"iter"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/capability"
	"github.com/loqalabs/loqa-gemini/internal/dispatch"
)

// Dispatcher is the part of dispatch.Dispatcher the adapters use
type Dispatcher interface {
	Submit(ctx context.Context, req dispatch.Request, timeout time.Duration) (dispatch.Payload, error)
	SubmitStream(ctx context.Context, req dispatch.Request, timeout time.Duration) iter.Seq2[dispatch.Chunk, error]
}

// Capabilities supplies the current model and voice listing
type Capabilities interface {
	Snapshot(ctx context.Context) *capability.Snapshot
}
