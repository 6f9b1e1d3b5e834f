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
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
)

// maxEventSize bounds one server-sent event; audio events are base64 heavy
const maxEventSize = 16 << 20

// eventStream reads generateContent responses from a server-sent event body
type eventStream struct {
	ctx       context.Context
	body      io.ReadCloser
	scanner   *bufio.Scanner
	seq       int
	closeOnce sync.Once
}

func newEventStream(resp *http.Response) *eventStream {
	ctx := context.Background()
	if resp.Request != nil {
		ctx = resp.Request.Context()
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	return &eventStream{ctx: ctx, body: resp.Body, scanner: scanner}
}

func (s *eventStream) Recv() (dispatch.Chunk, error) {
	for s.scanner.Scan() {
		data, ok := strings.CutPrefix(s.scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var resp generateResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return dispatch.Chunk{}, &dispatch.TransportError{Code: codes.Internal, Message: "malformed stream event", Err: err}
		}
		if reason := resp.blocked(); reason != "" {
			return dispatch.Chunk{}, &dispatch.TransportError{
				StatusCode: http.StatusBadRequest,
				Code:       codes.InvalidArgument,
				Message:    "prompt blocked: " + reason,
			}
		}

		chunk := dispatch.Chunk{Seq: s.seq, Final: resp.finished()}
		audio, format, err := resp.audio()
		if err != nil {
			return dispatch.Chunk{}, &dispatch.TransportError{Code: codes.Internal, Message: "undecodable audio", Err: err}
		}
		if len(audio) > 0 {
			chunk.Data, chunk.Format = audio, format
		} else {
			chunk.Data, chunk.Format = []byte(resp.text()), dispatch.FormatText
		}
		s.seq++
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return dispatch.Chunk{}, networkError(s.ctx, err)
	}
	return dispatch.Chunk{}, io.EOF
}

func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// liveStream transcribes audio as it arrives. Audio is collected into
// segments of SegmentBytes; each full segment yields one chunk and the
// remainder is transcribed when the audio channel closes.
type liveStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *Client
	req    dispatch.TranscribeStreamRequest
	buf    []byte
	seq    int
	done   bool
}

func newLiveStream(ctx context.Context, c *Client, req dispatch.TranscribeStreamRequest) *liveStream {
	ctx, cancel := context.WithCancel(ctx)
	return &liveStream{ctx: ctx, cancel: cancel, client: c, req: req}
}

func (s *liveStream) Recv() (dispatch.Chunk, error) {
	if s.done {
		return dispatch.Chunk{}, io.EOF
	}

	for len(s.buf) < s.client.cfg.SegmentBytes {
		select {
		case <-s.ctx.Done():
			return dispatch.Chunk{}, networkError(s.ctx, s.ctx.Err())
		case data, ok := <-s.req.Audio:
			if !ok {
				s.done = true
				return s.flush(len(s.buf), true)
			}
			s.buf = append(s.buf, data...)
		}
	}
	return s.flush(s.client.cfg.SegmentBytes, false)
}

func (s *liveStream) flush(n int, final bool) (dispatch.Chunk, error) {
	segment := s.buf[:n]
	s.buf = append([]byte(nil), s.buf[n:]...)

	var text string
	if len(segment) > 0 {
		var err error
		text, err = s.client.transcribe(s.ctx, s.req.Model, segment, s.req.Format, s.req.Language)
		if err != nil {
			s.done = true
			return dispatch.Chunk{}, err
		}
	}

	chunk := dispatch.Chunk{Seq: s.seq, Data: []byte(text), Format: dispatch.FormatText, Final: final}
	s.seq++
	return chunk, nil
}

func (s *liveStream) Close() error {
	s.cancel()
	return nil
}
