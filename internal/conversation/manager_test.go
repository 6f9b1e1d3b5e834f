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

package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/dispatch"
	"github.com/loqalabs/loqa-gemini/internal/events"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.ConverseRequest
	notified []events.Event
	reply    func(req dispatch.ConverseRequest) (string, error)
	current  atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
}

func (f *fakeDispatcher) Submit(ctx context.Context, req dispatch.Request, timeout time.Duration) (dispatch.Payload, error) {
	r := req.(dispatch.ConverseRequest)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return dispatch.Payload{}, ctx.Err()
		}
	}

	text := "reply to " + r.Text
	if f.reply != nil {
		var err error
		if text, err = f.reply(r); err != nil {
			return dispatch.Payload{}, err
		}
	}
	return dispatch.Payload{Data: []byte(text), Format: dispatch.FormatText}, nil
}

func (f *fakeDispatcher) Notify(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, e)
}

func (f *fakeDispatcher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestManager(d *fakeDispatcher, cfg Config) *Manager {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a test assistant."
	}
	return NewManager(d, NewMemoryStore(), cfg)
}

func TestManager_ReplaysHistory(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{MaxTurns: 20})
	ctx := context.Background()

	if _, err := m.Process(ctx, Input{ConversationID: "kitchen", Text: "Hi"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	reply, err := m.Process(ctx, Input{ConversationID: "kitchen", Text: " And now? "})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if reply.Text != "reply to And now?" || reply.Turns != 4 {
		t.Errorf("reply = %+v", reply)
	}
	second := d.requests[1]
	if len(second.History) != 2 || second.History[0].Text != "Hi" || second.History[1].Role != dispatch.RoleAssistant {
		t.Errorf("history sent = %+v", second.History)
	}
	if second.SystemPrompt != "You are a test assistant." {
		t.Errorf("system prompt = %q", second.SystemPrompt)
	}
}

func TestManager_EmptyInput(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{})

	reply, err := m.Process(context.Background(), Input{Text: "   "})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != NoInputReply || reply.ConversationID != DefaultConversationID {
		t.Errorf("reply = %+v", reply)
	}
	if d.requestCount() != 0 {
		t.Error("empty input reached the dispatcher")
	}
	if len(d.notified) != 1 || d.notified[0].Type != events.TypeCompleted {
		t.Errorf("expected one completed event, got %+v", d.notified)
	}
}

func TestManager_EmptyReply(t *testing.T) {
	d := &fakeDispatcher{reply: func(dispatch.ConverseRequest) (string, error) { return "  ", nil }}
	m := newTestManager(d, Config{})

	reply, err := m.Process(context.Background(), Input{Text: "mumble"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if reply.Text != UnclearReply {
		t.Errorf("reply = %q, want %q", reply.Text, UnclearReply)
	}
}

func TestManager_DefaultConversationID(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{})

	if _, err := m.Process(context.Background(), Input{Text: "Hello"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	history, err := m.History(context.Background(), DefaultConversationID)
	if err != nil || len(history) != 2 {
		t.Errorf("History(default) = %+v, %v", history, err)
	}
	if d.requests[0].ConversationID != DefaultConversationID {
		t.Errorf("conversation id = %q", d.requests[0].ConversationID)
	}
}

func TestManager_FailureLeavesSessionUnchanged(t *testing.T) {
	fail := false
	d := &fakeDispatcher{reply: func(r dispatch.ConverseRequest) (string, error) {
		if fail {
			return "", &dispatch.Error{Kind: dispatch.KindTransient, Err: &dispatch.TransportError{StatusCode: http.StatusServiceUnavailable}}
		}
		return "ok", nil
	}}
	m := newTestManager(d, Config{})
	ctx := context.Background()

	if _, err := m.Process(ctx, Input{ConversationID: "c", Text: "first"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	fail = true
	if _, err := m.Process(ctx, Input{ConversationID: "c", Text: "second"}); !errors.Is(err, dispatch.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	history, _ := m.History(ctx, "c")
	if len(history) != 2 || history[0].Text != "first" {
		t.Errorf("history after failure = %+v", history)
	}
}

func TestManager_MaxTurnsDropsOldest(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{MaxTurns: 4})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := m.Process(ctx, Input{ConversationID: "c", Text: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	history, _ := m.History(ctx, "c")
	if len(history) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(history))
	}
	if history[0].Role != dispatch.RoleUser || history[0].Text != "q2" {
		t.Errorf("oldest kept turn = %+v, want q2", history[0])
	}
}

func TestSession_AppendKeepsUserFirst(t *testing.T) {
	s := &Session{}
	s.Append(3,
		dispatch.Turn{Role: dispatch.RoleUser, Text: "q1"},
		dispatch.Turn{Role: dispatch.RoleAssistant, Text: "a1"},
		dispatch.Turn{Role: dispatch.RoleUser, Text: "q2"},
		dispatch.Turn{Role: dispatch.RoleAssistant, Text: "a2"},
	)
	if len(s.Turns) != 2 || s.Turns[0].Text != "q2" {
		t.Errorf("turns = %+v, want history starting at q2", s.Turns)
	}
}

func TestManager_SerializesOneConversation(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{MaxTurns: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Process(ctx, Input{ConversationID: "c", Text: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("Process() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if d.peak.Load() != 1 {
		t.Errorf("expected one turn at a time, peak = %d", d.peak.Load())
	}

	// Each turn saw every earlier exchange: one serial order.
	seen := make(map[int]bool)
	for _, r := range d.requests {
		seen[len(r.History)] = true
	}
	for i := range 10 {
		if !seen[2*i] {
			t.Errorf("no turn saw a history of %d", 2*i)
		}
	}
	if history, _ := m.History(ctx, "c"); len(history) != 20 {
		t.Errorf("expected 20 turns, got %d", len(history))
	}
}

func TestManager_ConversationsRunInParallel(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	m := newTestManager(d, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Process(ctx, Input{ConversationID: id, Text: "hi"})
		}()
	}

	deadline := time.After(2 * time.Second)
	for d.current.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("distinct conversations did not run concurrently")
		case <-time.After(time.Millisecond):
		}
	}
	close(d.gate)
	wg.Wait()
}

func TestManager_LockWaitRespectsContext(t *testing.T) {
	d := &fakeDispatcher{gate: make(chan struct{})}
	m := newTestManager(d, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Process(context.Background(), Input{ConversationID: "c", Text: "slow"})
	}()
	for d.current.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Process(ctx, Input{ConversationID: "c", Text: "impatient"})
	if dispatch.KindOf(err) != dispatch.KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}

	close(d.gate)
	<-done
	if d.requestCount() != 1 {
		t.Errorf("impatient turn reached the dispatcher")
	}
}

func TestManager_IdleSessionsExpire(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{IdleTimeout: time.Minute})
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := m.Process(ctx, Input{ConversationID: "c", Text: "morning"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if history, _ := m.History(ctx, "c"); history != nil {
		t.Errorf("idle session should read as empty, got %+v", history)
	}

	removed, err := m.Sweep(ctx)
	if err != nil || removed != 1 {
		t.Errorf("Sweep() = %d, %v; want 1", removed, err)
	}

	if _, err := m.Process(ctx, Input{ConversationID: "c", Text: "again"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := d.requests[1].History; len(got) != 0 {
		t.Errorf("expected a fresh session, history = %+v", got)
	}
}

func TestManager_Reset(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(d, Config{})
	ctx := context.Background()

	m.Process(ctx, Input{ConversationID: "c", Text: "remember me"})
	if err := m.Reset(ctx, "c"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if history, _ := m.History(ctx, "c"); len(history) != 0 {
		t.Errorf("history after reset = %+v", history)
	}
	if len(m.locks) != 0 {
		t.Errorf("expected lock table to be empty, got %d", len(m.locks))
	}
}
