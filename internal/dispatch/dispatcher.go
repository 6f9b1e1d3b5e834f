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

// Package dispatch schedules remote requests. It answers from the cache when
// it can, runs at most one remote call per fingerprint at a time, bounds
// concurrency through the limiter, and retries transient failures with
// backoff without holding a slot while waiting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/cache"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/limiter"
	"github.com/loqalabs/loqa-gemini/internal/logging"
	"github.com/loqalabs/loqa-gemini/internal/retry"
)

// Options tunes dispatcher timeouts and persistence
type Options struct {
	// RequestTimeout applies when a caller passes a zero timeout
	RequestTimeout time.Duration
	// MaxTimeout caps any caller supplied timeout
	MaxTimeout time.Duration
	// AttemptTimeout bounds a single unary transport call
	AttemptTimeout time.Duration
	// SnapshotPath, when set, persists the cache across Start and Shutdown
	SnapshotPath string
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 2 * time.Minute
	}
	if o.MaxTimeout < o.RequestTimeout {
		o.MaxTimeout = o.RequestTimeout
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = o.RequestTimeout
	}
	return o
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateClosed
)

// Stats reports dispatcher counters
type Stats struct {
	Submitted      int64
	CacheHits      int64
	Joined         int64
	TransportCalls int64
	Retries        int64
	Failures       int64
	InFlight       int
}

// flight is a remote call shared by every caller with the same fingerprint
type flight struct {
	done    chan struct{}
	payload Payload
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Dispatcher is the single entry point for remote work
type Dispatcher struct {
	opts      Options
	transport Transport
	cache     *cache.Cache
	limiter   *limiter.Limiter
	policy    retry.Policy
	notifier  *events.Notifier

	mu         sync.Mutex
	state      state
	baseCtx    context.Context
	cancelBase context.CancelFunc
	flights    map[string]*flight
	wg         sync.WaitGroup

	submitted      atomic.Int64
	cacheHits      atomic.Int64
	joined         atomic.Int64
	transportCalls atomic.Int64
	retries        atomic.Int64
	failures       atomic.Int64
}

// New creates a dispatcher. A nil cache disables caching, a nil limiter
// allows five concurrent calls and a nil notifier discards events.
func New(opts Options, transport Transport, c *cache.Cache, l *limiter.Limiter, policy retry.Policy, notifier *events.Notifier) *Dispatcher {
	if l == nil {
		l = limiter.New(5, 0, 0)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:       opts.withDefaults(),
		transport:  transport,
		cache:      c,
		limiter:    l,
		policy:     policy,
		notifier:   notifier,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		flights:    make(map[string]*flight),
	}
}

// Start makes the dispatcher accept work, restoring the cache snapshot if one is configured
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateRunning:
		return nil
	case stateClosed:
		return &Error{Kind: KindClosed, Op: "start", Err: errors.New("dispatcher already shut down")}
	}

	if d.opts.SnapshotPath != "" && d.cache != nil {
		if _, err := d.cache.LoadFile(d.opts.SnapshotPath); err != nil {
			logging.LogWarn("⚠️  Ignoring unreadable cache snapshot",
				zap.String("path", d.opts.SnapshotPath), zap.Error(err))
		}
	}

	d.state = stateRunning
	if logging.Sugar != nil {
		logging.Sugar.Infow("🚦 Dispatcher started",
			"concurrency", d.limiter.Capacity(),
			"max_attempts", d.policy.MaxAttempts,
			"request_timeout", d.opts.RequestTimeout,
		)
	}
	return nil
}

// Shutdown stops accepting work and waits for in-flight requests. If ctx
// ends first, outstanding requests are cancelled and ctx.Err is returned
// once they have unwound.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = stateClosed
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.cancelBase()
		<-drained
	}
	d.cancelBase()

	if d.opts.SnapshotPath != "" && d.cache != nil {
		if saveErr := d.cache.SaveFile(d.opts.SnapshotPath); saveErr != nil {
			logging.LogError(saveErr, "❌ Failed to save cache snapshot",
				zap.String("path", d.opts.SnapshotPath))
		}
	}

	d.notifier.Close()
	if logging.Logger != nil {
		logging.Logger.Info("🛑 Dispatcher stopped", zap.Bool("forced", err != nil))
	}
	return err
}

// enter registers a unit of work, failing once the dispatcher is not running
func (d *Dispatcher) enter(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return &Error{Kind: KindClosed, Op: op, Err: errors.New("dispatcher is not running")}
	}
	d.wg.Add(1)
	return nil
}

func (d *Dispatcher) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = d.opts.RequestTimeout
	}
	if timeout > d.opts.MaxTimeout {
		timeout = d.opts.MaxTimeout
	}
	return timeout
}

// requestContext derives a context that ends at the timeout, when parent
// ends, or when the dispatcher is shut down, whichever comes first
func (d *Dispatcher) requestContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	stop := context.AfterFunc(d.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Submit executes req and returns its complete result
func (d *Dispatcher) Submit(ctx context.Context, req Request, timeout time.Duration) (Payload, error) {
	op := string(req.Capability())
	if err := req.Validate(); err != nil {
		return Payload{}, &Error{Kind: KindMalformedRequest, Op: op, Err: err}
	}
	if _, ok := req.(TranscribeStreamRequest); ok {
		return Payload{}, &Error{Kind: KindMalformedRequest, Op: op, Err: errors.New("live transcription requires SubmitStream")}
	}
	if err := d.enter(op); err != nil {
		return Payload{}, err
	}
	defer d.wg.Done()

	d.submitted.Add(1)
	requestID := uuid.NewString()
	timeout = d.effectiveTimeout(timeout)

	ctx, cancel := d.requestContext(ctx, timeout)
	defer cancel()

	key, cacheable := req.Fingerprint()
	if !cacheable || d.cache == nil {
		return d.execute(ctx, req, "", requestID)
	}

	if payload, ok := d.lookup(req, key, requestID); ok {
		return payload, nil
	}
	return d.join(ctx, req, key, requestID, timeout)
}

func (d *Dispatcher) lookup(req Request, key, requestID string) (Payload, bool) {
	entry, ok := d.cache.Get(key)
	if !ok {
		return Payload{}, false
	}

	d.cacheHits.Add(1)
	payload := Payload{Data: entry.Data, Format: entry.Format, Cached: true}
	logging.LogDispatch(requestID, "cache_hit", zap.String("capability", string(req.Capability())))

	e := events.Completed(req.Capability(), requestID, summarize(payload))
	e.Cached = true
	d.notifier.Notify(e)
	return payload, true
}

// join waits on the shared call for key, starting it if none is running.
// The call runs on a context owned by the dispatcher so one caller leaving
// does not fail the others; it is cancelled once every caller has left.
func (d *Dispatcher) join(ctx context.Context, req Request, key, requestID string, timeout time.Duration) (Payload, error) {
	d.mu.Lock()
	f, ok := d.flights[key]
	if ok {
		f.waiters++
		d.joined.Add(1)
		logging.LogDispatch(requestID, "joined_in_flight", zap.String("capability", string(req.Capability())))
	} else {
		flightCtx, cancel := context.WithTimeout(d.baseCtx, timeout)
		f = &flight{done: make(chan struct{}), waiters: 1, cancel: cancel}
		d.flights[key] = f
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			payload, err := d.execute(flightCtx, req, key, requestID)

			d.mu.Lock()
			if d.flights[key] == f {
				delete(d.flights, key)
			}
			f.payload, f.err = payload, err
			d.mu.Unlock()

			close(f.done)
			cancel()
		}()
	}
	d.mu.Unlock()

	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		d.leave(key, f)
		return Payload{}, d.abandoned(ctx, req, requestID, 0, nil)
	}
}

func (d *Dispatcher) leave(key string, f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if d.flights[key] == f {
		delete(d.flights, key)
	}
	f.cancel()
}

// execute performs the remote call for req with retries and, on success,
// stores the result under key
func (d *Dispatcher) execute(ctx context.Context, req Request, key, requestID string) (Payload, error) {
	started := time.Now()

	var payload Payload
	slot, attempts, err := d.run(ctx, req, requestID, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()

		var err error
		payload, err = d.transport.SendUnary(attemptCtx, req)
		return err
	})
	if err != nil {
		return Payload{}, err
	}
	slot.Release()

	if key != "" && d.cache != nil {
		d.cache.Put(key, payload.Data, payload.Format)
	}

	e := events.Completed(req.Capability(), requestID, summarize(payload))
	e.Attempts = attempts
	e.DurationMS = time.Since(started).Milliseconds()
	d.notifier.Notify(e)
	return payload, nil
}

// run calls call once per attempt while holding a limiter slot until it
// succeeds or the retry policy gives up. On success the slot is still held
// and belongs to the caller. Between attempts no slot is held.
func (d *Dispatcher) run(ctx context.Context, req Request, requestID string, call func(context.Context) error) (*limiter.Slot, int, error) {
	op := string(req.Capability())
	started := time.Now()

	for attempt := 0; ; attempt++ {
		slot, err := d.limiter.Acquire(ctx, 0)
		if err != nil {
			if errors.Is(err, limiter.ErrTimeout) {
				return nil, attempt, d.fail(req, requestID, &Error{Kind: KindLimiterTimeout, Op: op, Attempts: attempt, Err: err})
			}
			return nil, attempt, d.abandoned(ctx, req, requestID, attempt, err)
		}

		d.transportCalls.Add(1)
		logging.LogDispatch(requestID, "transport_call", zap.String("capability", op), zap.Int("attempt", attempt+1))

		err = call(ctx)
		if err == nil {
			if ctx.Err() != nil {
				slot.Release()
				return nil, attempt + 1, d.abandoned(ctx, req, requestID, attempt+1, ctx.Err())
			}
			return slot, attempt + 1, nil
		}
		slot.Release()

		if ctx.Err() != nil {
			return nil, attempt + 1, d.abandoned(ctx, req, requestID, attempt+1, err)
		}

		kind, class := classify(err)
		if class == retry.Cancelled {
			return nil, attempt + 1, d.abandoned(ctx, req, requestID, attempt+1, err)
		}

		if hint, limited := rateLimit(err); limited {
			d.notifier.Notify(events.RateLimited(req.Capability(), requestID, hint))
		}

		delay, again := d.policy.Next(attempt, time.Since(started), class)
		if !again {
			return nil, attempt + 1, d.fail(req, requestID, &Error{
				Kind:       kind,
				Op:         op,
				Attempts:   attempt + 1,
				RetryAfter: retryAfter(err),
				Err:        err,
			})
		}
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}

		d.retries.Add(1)
		logging.LogDispatch(requestID, "retry_scheduled",
			zap.String("capability", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt + 1, d.abandoned(ctx, req, requestID, attempt+1, err)
		}
	}
}

// abandoned builds the error for a request whose context ended. A missed
// deadline is a transient failure; anything else is a cancellation.
func (d *Dispatcher) abandoned(ctx context.Context, req Request, requestID string, attempts int, cause error) error {
	op := string(req.Capability())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err := fmt.Errorf("request timed out: %w", context.DeadlineExceeded)
		if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
			err = fmt.Errorf("request timed out: %w (last error: %v)", context.DeadlineExceeded, cause)
		}
		return d.fail(req, requestID, &Error{Kind: KindTransient, Op: op, Attempts: attempts, Err: err})
	}

	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	logging.LogDispatch(requestID, "cancelled", zap.String("capability", op))
	d.notifier.Notify(events.Cancelled(req.Capability(), requestID))
	return &Error{Kind: KindCancelled, Op: op, Attempts: attempts, Err: err}
}

func (d *Dispatcher) fail(req Request, requestID string, err *Error) error {
	d.failures.Add(1)
	logging.LogWarn("⚠️  Request failed",
		zap.String("request_id", requestID),
		zap.String("capability", string(req.Capability())),
		zap.String("kind", string(err.Kind)),
		zap.Int("attempts", err.Attempts),
		zap.Error(err.Err),
	)

	e := events.Failed(req.Capability(), requestID, string(err.Kind), reason(err))
	e.Attempts = err.Attempts
	e.RetryAfterMS = err.RetryAfter.Milliseconds()
	d.notifier.Notify(e)
	return err
}

// reason is the observer facing description of a failure
func reason(err *Error) string {
	switch err.Kind {
	case KindInvalidCredential:
		return "the API key was rejected"
	case KindQuotaExceeded:
		return "the API quota is exhausted"
	case KindMalformedRequest:
		return "the request was rejected as invalid"
	case KindLimiterTimeout:
		return "timed out waiting for a free request slot"
	default:
		if err.Err != nil {
			return err.Err.Error()
		}
		return string(err.Kind)
	}
}

func summarize(p Payload) string {
	if p.Format == FormatText {
		return fmt.Sprintf("%d characters", len([]rune(p.Text())))
	}
	return fmt.Sprintf("%s %s", humanize.Bytes(uint64(len(p.Data))), p.Format)
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	inFlight := len(d.flights)
	d.mu.Unlock()

	return Stats{
		Submitted:      d.submitted.Load(),
		CacheHits:      d.cacheHits.Load(),
		Joined:         d.joined.Load(),
		TransportCalls: d.transportCalls.Load(),
		Retries:        d.retries.Load(),
		Failures:       d.failures.Load(),
		InFlight:       inFlight,
	}
}

// Notify forwards an adapter level event to the dispatcher's observers
func (d *Dispatcher) Notify(e events.Event) {
	d.notifier.Notify(e)
}
