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

import "context"

// Transport performs remote calls. Implementations encode requests into
// their own wire format and report failures as *TransportError where they
// can, so they are classified precisely.
type Transport interface {
	SendUnary(ctx context.Context, req Request) (Payload, error)
	OpenStream(ctx context.Context, req Request) (Stream, error)
}

// Stream is an open streamed call. Recv returns io.EOF once the stream is
// exhausted. Close releases the underlying connection and is safe to call
// more than once.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}
