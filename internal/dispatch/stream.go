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
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// SubmitStream returns a lazy sequence of chunks for req. Nothing is sent
// until the sequence is ranged over, and it can be ranged over only once.
// The sequence ends after the final chunk or after yielding an error.
// Stopping early cancels the remote stream and releases its slot.
//
// A limiter slot is held for the life of the stream. Failures while opening
// the stream are retried like unary calls; once a chunk has been yielded a
// failure ends the sequence. Cacheable results are stored only after the
// stream finished successfully.
func (d *Dispatcher) SubmitStream(ctx context.Context, req Request, timeout time.Duration) iter.Seq2[Chunk, error] {
	var used bool

	return func(yield func(Chunk, error) bool) {
		op := string(req.Capability())
		if used {
			yield(Chunk{}, &Error{Kind: KindMalformedRequest, Op: op, Err: errors.New("stream already consumed")})
			return
		}
		used = true

		if err := req.Validate(); err != nil {
			yield(Chunk{}, &Error{Kind: KindMalformedRequest, Op: op, Err: err})
			return
		}
		if err := d.enter(op); err != nil {
			yield(Chunk{}, err)
			return
		}
		defer d.wg.Done()

		d.submitted.Add(1)
		requestID := uuid.NewString()
		started := time.Now()

		ctx, cancel := d.requestContext(ctx, d.effectiveTimeout(timeout))
		defer cancel()

		key, cacheable := req.Fingerprint()
		cacheable = cacheable && d.cache != nil
		if cacheable {
			if payload, ok := d.lookup(req, key, requestID); ok {
				yield(Chunk{Data: payload.Data, Format: payload.Format, Final: true}, nil)
				return
			}
		}

		var stream Stream
		slot, attempts, err := d.run(ctx, req, requestID, func(ctx context.Context) error {
			var err error
			stream, err = d.transport.OpenStream(ctx, req)
			return err
		})
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		defer slot.Release()
		defer stream.Close()

		var (
			buffered bytes.Buffer
			format   string
			seq      int
		)
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(Chunk{}, d.streamFailure(ctx, req, requestID, attempts, err))
				return
			}

			chunk.Seq = seq
			seq++
			if cacheable {
				buffered.Write(chunk.Data)
				if chunk.Format != "" {
					format = chunk.Format
				}
			}

			if !yield(chunk, nil) {
				logging.LogDispatch(requestID, "stream_abandoned", zap.String("capability", op), zap.Int("chunks", seq))
				d.notifier.Notify(events.Cancelled(req.Capability(), requestID))
				return
			}
			if chunk.Final {
				break
			}
		}

		if ctx.Err() != nil {
			yield(Chunk{}, d.abandoned(ctx, req, requestID, attempts, ctx.Err()))
			return
		}

		payload := Payload{Data: buffered.Bytes(), Format: format}
		if cacheable {
			d.cache.Put(key, payload.Data, payload.Format)
		}

		e := events.Completed(req.Capability(), requestID, "")
		if cacheable {
			e.Summary = summarize(payload)
		}
		e.Attempts = attempts
		e.DurationMS = time.Since(started).Milliseconds()
		d.notifier.Notify(e)
	}
}

// streamFailure classifies an error raised after the stream was opened
func (d *Dispatcher) streamFailure(ctx context.Context, req Request, requestID string, attempts int, err error) error {
	if ctx.Err() != nil {
		return d.abandoned(ctx, req, requestID, attempts, err)
	}

	kind, _ := classify(err)
	if kind == KindCancelled {
		return d.abandoned(ctx, req, requestID, attempts, err)
	}
	return d.fail(req, requestID, &Error{
		Kind:       kind,
		Op:         string(req.Capability()),
		Attempts:   attempts,
		RetryAfter: retryAfter(err),
		Err:        err,
	})
}
