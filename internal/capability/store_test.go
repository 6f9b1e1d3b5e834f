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

package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gemini/internal/events"
)

type fakeFetcher struct {
	mu      sync.Mutex
	models  []ModelInfo
	voices  []Voice
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeFetcher) ListModels(ctx context.Context) ([]ModelInfo, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models, f.err
}

func (f *fakeFetcher) ListVoices(ctx context.Context) ([]Voice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voices, nil
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var testModels = []ModelInfo{
	{Name: "models/gemini-2.0-flash", Methods: []string{"generateContent"}},
	{Name: "models/gemini-2.5-pro-preview-tts", Methods: []string{"generateContent"}},
	{Name: "models/text-embedding-004", Methods: []string{"embedContent"}},
}

func TestCredential_Redacted(t *testing.T) {
	cred := Credential("AIza-secret")

	for _, got := range []string{cred.String(), fmt.Sprintf("%v", cred), fmt.Sprintf("%#v", cred), fmt.Sprint(cred)} {
		if got == "AIza-secret" || len(got) == 0 {
			t.Errorf("credential leaked or empty in %q", got)
		}
	}
	if cred.Reveal() != "AIza-secret" {
		t.Error("Reveal() should return the raw key")
	}
	if !Credential("  ").IsZero() {
		t.Error("blank credential should be zero")
	}
}

func TestClassify(t *testing.T) {
	snap := Classify(testModels)

	if got := snap.ModelsFor(events.CapabilityTTS); len(got) != 1 || got[0] != "gemini-2.5-pro-preview-tts" {
		t.Errorf("tts models = %v", got)
	}
	if got := snap.ModelsFor(events.CapabilitySTT); len(got) != 1 || got[0] != "gemini-2.0-flash" {
		t.Errorf("stt models = %v", got)
	}
	if got := snap.ModelsFor(events.CapabilityConversation); len(got) != 1 || got[0] != "gemini-2.0-flash" {
		t.Errorf("conversation models = %v", got)
	}
}

func TestClassify_EmptyFallsBack(t *testing.T) {
	snap := Classify(nil)
	defaults := DefaultSnapshot()

	for _, c := range []events.Capability{events.CapabilityTTS, events.CapabilitySTT, events.CapabilityConversation} {
		if snap.DefaultModel(c) != defaults.DefaultModel(c) {
			t.Errorf("%s default = %q, want %q", c, snap.DefaultModel(c), defaults.DefaultModel(c))
		}
	}
}

func TestStore_SnapshotRefreshesWhenStale(t *testing.T) {
	fetcher := &fakeFetcher{models: testModels, voices: []Voice{{ID: "Kore"}}}
	store := NewStore("key", time.Minute)
	store.SetFetcher(fetcher)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	snap := store.Snapshot(context.Background())
	if snap.Fallback {
		t.Fatal("expected a fetched snapshot")
	}
	if !snap.HasVoice("kore") {
		t.Error("expected case-insensitive voice lookup")
	}

	store.Snapshot(context.Background())
	if fetcher.calls.Load() != 1 {
		t.Errorf("fresh snapshot should not refetch, calls = %d", fetcher.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	store.Snapshot(context.Background())
	if fetcher.calls.Load() != 2 {
		t.Errorf("stale snapshot should refetch, calls = %d", fetcher.calls.Load())
	}
}

func TestStore_FailedRefreshKeepsPrevious(t *testing.T) {
	fetcher := &fakeFetcher{models: testModels}
	store := NewStore("key", time.Hour)
	store.SetFetcher(fetcher)

	first, err := store.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(first.Voices) == 0 {
		t.Error("empty voice listing should fall back to defaults")
	}

	fetcher.fail(errors.New("network down"))
	if _, err := store.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	if got := store.Snapshot(context.Background()); got != first {
		t.Error("failed refresh should leave the previous snapshot installed")
	}
}

func TestStore_FallbackWithoutListing(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("unauthorized")}
	store := NewStore("key", time.Hour)
	store.SetFetcher(fetcher)

	snap := store.Snapshot(context.Background())
	if !snap.Fallback {
		t.Error("expected fallback defaults when nothing was ever fetched")
	}

	bare := NewStore("key", time.Hour)
	if _, err := bare.Refresh(context.Background()); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("expected ErrNoFetcher, got %v", err)
	}
}

func TestStore_ConcurrentRefreshSharesFetch(t *testing.T) {
	fetcher := &fakeFetcher{models: testModels, release: make(chan struct{})}
	store := NewStore("key", time.Hour)
	store.SetFetcher(fetcher)

	var wg sync.WaitGroup
	results := make([]*Snapshot, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = store.Refresh(context.Background())
		}(i)
	}

	// Wait for the shared fetch to start before letting it finish.
	for fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	if fetcher.calls.Load() != 1 {
		t.Errorf("expected one shared fetch, got %d", fetcher.calls.Load())
	}
	for i, snap := range results {
		if snap != results[0] {
			t.Errorf("caller %d saw a different snapshot", i)
		}
	}
}

func TestStore_SetCredentialInvalidatesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{models: testModels}
	store := NewStore("old", time.Hour)
	store.SetFetcher(fetcher)

	store.Snapshot(context.Background())
	store.SetCredential("new")

	if store.Credential().Reveal() != "new" {
		t.Errorf("credential = %q, want new", store.Credential().Reveal())
	}
	store.Snapshot(context.Background())
	if fetcher.calls.Load() != 2 {
		t.Errorf("new credential should trigger a refetch, calls = %d", fetcher.calls.Load())
	}
}

func TestStore_RefreshHonorsCallerContext(t *testing.T) {
	fetcher := &fakeFetcher{models: testModels, release: make(chan struct{})}
	defer close(fetcher.release)

	store := NewStore("key", time.Hour)
	store.SetFetcher(fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := store.Refresh(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
