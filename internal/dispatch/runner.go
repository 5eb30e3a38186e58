// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/relay-orchestrator/internal/metrics"
)

// =============================================================================
// EVENT RUNNER
// =============================================================================

const (
	// DefaultMaxConcurrent bounds events handled at once.
	DefaultMaxConcurrent = 16

	// DefaultEventTimeout bounds one event once it starts, including waiting
	// for the user lock held by another replica.
	DefaultEventTimeout = 10 * time.Minute
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("runner stopped")

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ev Event) error

// Runner executes events in the background with bounded concurrency.
// Events of one user run one at a time in arrival order; only the head of
// each user's queue holds a concurrency slot, so a backlog from one user
// never delays anyone else. A failing or panicking event never affects the
// others.
type Runner struct {
	handler   HandlerFunc
	semaphore chan struct{}
	timeout   time.Duration

	mu      sync.Mutex
	stopped bool
	queues  map[int64][]Event // pending events per user; a key exists while a drainer runs
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a runner. Zero or negative limits take the defaults.
func NewRunner(handler HandlerFunc, maxConcurrent int, timeout time.Duration) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		handler:   handler,
		semaphore: make(chan struct{}, maxConcurrent),
		timeout:   timeout,
		queues:    make(map[int64][]Event),
		ctx:       ctx,
		cancel:    cancel,
		logger:    zerolog.Nop(),
	}
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(logger zerolog.Logger) *Runner {
	r.logger = logger
	return r
}

// WithMetrics sets the metrics sink.
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// Submit queues ev and returns immediately.
func (r *Runner) Submit(ev Event) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.wg.Add(1)
	q, draining := r.queues[ev.UserID]
	r.queues[ev.UserID] = append(q, ev)
	r.mu.Unlock()

	if !draining {
		go r.drain(ev.UserID)
	}
	return nil
}

// drain runs userID's queued events one by one until the queue is empty.
func (r *Runner) drain(userID int64) {
	for {
		r.mu.Lock()
		q := r.queues[userID]
		if len(q) == 0 {
			delete(r.queues, userID)
			r.mu.Unlock()
			return
		}
		ev := q[0]
		q[0] = Event{}
		r.queues[userID] = q[1:]
		r.mu.Unlock()

		r.execute(ev)
	}
}

// Stop rejects new events and waits for in-flight ones. If ctx ends first,
// in-flight events are cancelled and ctx's error is returned once they exit.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.logger.Warn().Msg("RUNNER_FORCED_STOP")
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) execute(ev Event) {
	defer r.wg.Done()

	// Acquire semaphore (blocks if at max concurrency)
	select {
	case r.semaphore <- struct{}{}:
	case <-r.ctx.Done():
		return
	}
	defer func() { <-r.semaphore }()

	r.metrics.InflightAdd(1)
	defer r.metrics.InflightAdd(-1)

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	log := r.logger.With().Str("event_id", ev.ID).Int64("user_id", ev.UserID).Logger()
	start := time.Now()

	err := r.safeHandle(ctx, ev)
	switch {
	case err == nil:
		log.Debug().Dur("duration", time.Since(start)).Msg("EVENT_DONE")
	case errors.Is(err, context.DeadlineExceeded):
		log.Error().Err(err).Dur("timeout", r.timeout).Msg("EVENT_TIMEOUT")
	default:
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("EVENT_FAILED")
	}
}

func (r *Runner) safeHandle(ctx context.Context, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event_id", ev.ID).Str("stack", string(debug.Stack())).Msgf("EVENT_PANIC: %v", rec)
			err = fmt.Errorf("panic handling event: %v", rec)
		}
	}()
	return r.handler(ctx, ev)
}
