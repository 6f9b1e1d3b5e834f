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

package events

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEventConstructors(t *testing.T) {
	completed := Completed(CapabilityTTS, "req-1", "12 kB pcm")
	if completed.Type != TypeCompleted || completed.Summary != "12 kB pcm" {
		t.Errorf("unexpected completed event: %+v", completed)
	}
	if completed.ID == "" || completed.Timestamp.IsZero() {
		t.Error("events must carry an ID and timestamp")
	}

	failed := Failed(CapabilitySTT, "req-2", "invalid_credential", "API key rejected")
	if failed.Type != TypeFailed || failed.ErrorKind != "invalid_credential" {
		t.Errorf("unexpected failed event: %+v", failed)
	}
	if !strings.Contains(failed.String(), "API key rejected") {
		t.Errorf("String() = %q, want reason included", failed.String())
	}

	limited := RateLimited(CapabilityConversation, "req-3", 1500*time.Millisecond)
	if limited.RetryAfter() != 1500*time.Millisecond {
		t.Errorf("RetryAfter() = %v, want 1.5s", limited.RetryAfter())
	}

	cancelled := Cancelled(CapabilityTTS, "req-4")
	if cancelled.Type != TypeCancelled || cancelled.Reason != "" {
		t.Errorf("cancelled events carry no error reason: %+v", cancelled)
	}
}

func TestEvent_JSON(t *testing.T) {
	e := RateLimited(CapabilityTTS, "req", 2*time.Second)
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["type"] != "rate_limited" || decoded["capability"] != "tts" {
		t.Errorf("unexpected JSON: %s", data)
	}
	if decoded["retry_after_ms"] != float64(2000) {
		t.Errorf("retry_after_ms = %v, want 2000", decoded["retry_after_ms"])
	}
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	rec := &recordingObserver{}
	n := NewNotifier(16, rec)

	for i := 0; i < 10; i++ {
		n.Notify(Completed(CapabilityTTS, string(rune('a'+i)), ""))
	}
	n.Close()

	got := rec.Events()
	if len(got) != 10 {
		t.Fatalf("delivered %d events, want 10", len(got))
	}
	for i, e := range got {
		if e.RequestID != string(rune('a'+i)) {
			t.Errorf("event %d out of order: %s", i, e.RequestID)
		}
	}
	if n.Delivered() != 10 {
		t.Errorf("Delivered() = %d, want 10", n.Delivered())
	}
}

func TestNotifier_NeverBlocksOnSlowObserver(t *testing.T) {
	release := make(chan struct{})
	slow := ObserverFunc(func(Event) { <-release })
	n := NewNotifier(2, slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify(Completed(CapabilityTTS, "", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow observer")
	}

	if n.Dropped() == 0 {
		t.Error("expected drops once the buffer filled")
	}
	close(release)
	n.Close()
}

func TestNotifier_RecoversFromObserverPanic(t *testing.T) {
	rec := &recordingObserver{}
	panicky := ObserverFunc(func(Event) { panic("boom") })
	n := NewNotifier(4, panicky, rec)

	n.Notify(Failed(CapabilitySTT, "r", "transient", "timeout"))
	n.Close()

	if len(rec.Events()) != 1 {
		t.Error("a panicking observer must not stop delivery to others")
	}
}

func TestNotifier_SubscribeAndNotifyAfterClose(t *testing.T) {
	n := NewNotifier(4)
	rec := &recordingObserver{}
	n.Subscribe(rec)
	n.Notify(Completed(CapabilityConversation, "r", "hi"))
	n.Close()
	n.Close()

	n.Notify(Completed(CapabilityConversation, "late", ""))
	if len(rec.Events()) != 1 {
		t.Errorf("got %d events, want 1", len(rec.Events()))
	}

	var nilNotifier *Notifier
	nilNotifier.Notify(Event{})
	nilNotifier.Close()
}
