// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relay-orchestrator/internal/commands"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/relay"
	"github.com/jeranaias/relay-orchestrator/internal/telegram"
	"github.com/jeranaias/relay-orchestrator/internal/userlock"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []string
	sendErr []error // ctx.Err() at each Send
	typing  int
}

func (m *fakeMessenger) Send(ctx context.Context, chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	m.sendErr = append(m.sendErr, ctx.Err())
	return len(m.sent), nil
}

func (m *fakeMessenger) Typing(ctx context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

type fakeCommands struct{ calls []string }

func (c *fakeCommands) Handle(ctx context.Context, userID int64, text string) commands.Reply {
	c.calls = append(c.calls, text)
	return commands.Reply{Command: "reset", Text: "✅ Conversation cleared"}
}

// fakeRelay records concurrent runs per user.
type fakeRelay struct {
	mu       sync.Mutex
	requests []relay.Request
	active   map[int64]int
	maxSeen  int
	delay    time.Duration
	err      error
}

func (r *fakeRelay) Run(ctx context.Context, req relay.Request) (relay.Result, error) {
	r.mu.Lock()
	if r.active == nil {
		r.active = map[int64]int{}
	}
	r.active[req.UserID]++
	if r.active[req.UserID] > r.maxSeen {
		r.maxSeen = r.active[req.UserID]
	}
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active[req.UserID]--
	r.mu.Unlock()
	return relay.Result{}, r.err
}

// gateRelay reports every run and holds user 1's runs until release closes.
type gateRelay struct {
	ran     chan int64
	release chan struct{}
}

func (r *gateRelay) Run(ctx context.Context, req relay.Request) (relay.Result, error) {
	r.ran <- req.UserID
	if req.UserID == 1 {
		select {
		case <-r.release:
		case <-ctx.Done():
			return relay.Result{}, ctx.Err()
		}
	}
	return relay.Result{}, nil
}

type panicRelay struct{}

func (panicRelay) Run(ctx context.Context, req relay.Request) (relay.Result, error) {
	panic("boom")
}

type failingLocker struct{}

func (failingLocker) Lock(ctx context.Context, key string) (userlock.Unlock, error) {
	return nil, userlock.ErrLockTimeout
}

// =============================================================================
// DISPATCHER TESTS
// =============================================================================

func TestNewEvent(t *testing.T) {
	ev := NewEvent(telegram.Inbound{UpdateID: 3, UserID: 1, ChatID: 2, Text: "hi"})
	assert.Len(t, ev.ID, 36)
	assert.Equal(t, 3, ev.UpdateID)
	assert.Equal(t, "hi", ev.Text)
	assert.False(t, ev.Received.IsZero())
	assert.NotEqual(t, ev.ID, NewEvent(telegram.Inbound{}).ID)
}

func TestDispatcher_Directive(t *testing.T) {
	msgr := &fakeMessenger{}
	cmds := &fakeCommands{}
	rl := &fakeRelay{}
	d := NewDispatcher(nil, cmds, rl, msgr)

	require.NoError(t, d.Handle(context.Background(), Event{UserID: 1, ChatID: 1, Text: "/reset"}))
	assert.Equal(t, []string{"/reset"}, cmds.calls)
	assert.Equal(t, []string{"✅ Conversation cleared"}, msgr.sent)
	assert.Zero(t, msgr.typing)
	assert.Empty(t, rl.requests)
}

func TestDispatcher_Message(t *testing.T) {
	msgr := &fakeMessenger{}
	cmds := &fakeCommands{}
	rl := &fakeRelay{}
	d := NewDispatcher(nil, cmds, rl, msgr)

	require.NoError(t, d.Handle(context.Background(), Event{UserID: 1, ChatID: 9, Text: "hello"}))
	assert.Empty(t, cmds.calls)
	assert.Equal(t, 1, msgr.typing)
	assert.Equal(t, []relay.Request{{UserID: 1, ChatID: 9, Text: "hello"}}, rl.requests)
}

func TestDispatcher_RelayErrorReturned(t *testing.T) {
	rl := &fakeRelay{err: errors.New("upstream down")}
	d := NewDispatcher(nil, &fakeCommands{}, rl, &fakeMessenger{})
	assert.EqualError(t, d.Handle(context.Background(), Event{UserID: 1, Text: "hi"}), "upstream down")
}

func TestDispatcher_PanicSendsNotice(t *testing.T) {
	msgr := &fakeMessenger{}
	d := NewDispatcher(nil, &fakeCommands{}, panicRelay{}, msgr)

	err := d.Handle(context.Background(), Event{UserID: 1, ChatID: 4, Text: "hi"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.Len(t, msgr.sent, 1)
	assert.Equal(t, relay.ErrorNoticePrefix+"panic handling event: boom", msgr.sent[0])

	// The user lock is released after a panic.
	rl := &fakeRelay{}
	d.relay = rl
	require.NoError(t, d.Handle(context.Background(), Event{UserID: 1, ChatID: 4, Text: "again"}))
	assert.Len(t, rl.requests, 1)
}

func TestDispatcher_LockFailureSendsNotice(t *testing.T) {
	msgr := &fakeMessenger{}
	rl := &fakeRelay{}
	d := NewDispatcher(failingLocker{}, &fakeCommands{}, rl, msgr)

	err := d.Handle(context.Background(), Event{UserID: 1, ChatID: 4, Text: "hi"})

	assert.ErrorIs(t, err, userlock.ErrLockTimeout)
	assert.Empty(t, rl.requests)
	require.Len(t, msgr.sent, 1)
	assert.True(t, strings.HasPrefix(msgr.sent[0], relay.ErrorNoticePrefix+"acquire user lock"))
}

func TestDispatcher_NoticeSurvivesCancelledContext(t *testing.T) {
	msgr := &fakeMessenger{}
	d := NewDispatcher(failingLocker{}, &fakeCommands{}, &fakeRelay{}, msgr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, d.Handle(ctx, Event{UserID: 1, ChatID: 4, Text: "hi"}))
	require.Len(t, msgr.sent, 1)
	assert.NoError(t, msgr.sendErr[0])
}

func TestDispatcher_SerializesPerUser(t *testing.T) {
	rl := &fakeRelay{delay: 20 * time.Millisecond}
	d := NewDispatcher(nil, &fakeCommands{}, rl, &fakeMessenger{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, user := range []int64{1, 2} {
			wg.Add(1)
			go func(u int64) {
				defer wg.Done()
				assert.NoError(t, d.Handle(context.Background(), Event{UserID: u, Text: "x"}))
			}(user)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, rl.maxSeen)
	assert.Len(t, rl.requests, 10)
}

// =============================================================================
// RUNNER TESTS
// =============================================================================

func TestRunner_RunsSubmittedEvents(t *testing.T) {
	var handled atomic.Int32
	r := NewRunner(func(ctx context.Context, ev Event) error {
		handled.Add(1)
		return nil
	}, 2, time.Second).WithMetrics(metrics.New())

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Submit(Event{UserID: int64(i)}))
	}
	require.NoError(t, r.Stop(context.Background()))
	assert.EqualValues(t, 10, handled.Load())

	assert.ErrorIs(t, r.Submit(Event{}), ErrStopped)
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	r := NewRunner(func(ctx context.Context, ev Event) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	}, 3, time.Second)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Submit(Event{UserID: int64(i)}))
	}
	require.NoError(t, r.Stop(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunner_UserBacklogDoesNotBlockOthers(t *testing.T) {
	rl := &gateRelay{ran: make(chan int64, 10), release: make(chan struct{})}
	d := NewDispatcher(nil, &fakeCommands{}, rl, &fakeMessenger{})
	r := NewRunner(d.Handle, 2, 5*time.Second)

	require.NoError(t, r.Submit(Event{UserID: 1, Text: "first"}))
	require.NoError(t, r.Submit(Event{UserID: 1, Text: "second"}))
	require.NoError(t, r.Submit(Event{UserID: 2, Text: "other"}))

	seen := map[int64]int{}
	deadline := time.After(2 * time.Second)
	for seen[2] == 0 {
		select {
		case u := <-rl.ran:
			seen[u]++
		case <-deadline:
			t.Fatal("user 2 did not run while user 1 was streaming")
		}
	}
	assert.LessOrEqual(t, seen[1], 1)

	close(rl.release)
	require.NoError(t, r.Stop(context.Background()))
	close(rl.ran)
	for u := range rl.ran {
		seen[u]++
	}
	assert.Equal(t, map[int64]int{1: 2, 2: 1}, seen)
}

func TestRunner_PreservesPerUserOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	r := NewRunner(func(ctx context.Context, ev Event) error {
		mu.Lock()
		order = append(order, ev.Text)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}, 4, time.Second)

	want := []string{"a", "b", "c", "d", "e"}
	for _, text := range want {
		require.NoError(t, r.Submit(Event{UserID: 7, Text: text}))
	}
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, want, order)
}

func TestRunner_PanicReachesUser(t *testing.T) {
	msgr := &fakeMessenger{}
	d := NewDispatcher(nil, &fakeCommands{}, panicRelay{}, msgr)
	r := NewRunner(d.Handle, 1, time.Second)

	require.NoError(t, r.Submit(Event{UserID: 1, ChatID: 3, Text: "hi"}))
	require.NoError(t, r.Stop(context.Background()))

	msgr.mu.Lock()
	defer msgr.mu.Unlock()
	require.Len(t, msgr.sent, 1)
	assert.Contains(t, msgr.sent[0], "boom")
}

func TestRunner_RecoversPanics(t *testing.T) {
	var after atomic.Bool
	r := NewRunner(func(ctx context.Context, ev Event) error {
		if ev.Text == "boom" {
			panic("handler exploded")
		}
		after.Store(true)
		return nil
	}, 1, time.Second)

	require.NoError(t, r.Submit(Event{Text: "boom"}))
	require.NoError(t, r.Submit(Event{Text: "fine"}))
	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, after.Load())
}

func TestRunner_EventTimeout(t *testing.T) {
	got := make(chan error, 1)
	r := NewRunner(func(ctx context.Context, ev Event) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}, 1, 30*time.Millisecond)

	require.NoError(t, r.Submit(Event{}))
	require.NoError(t, r.Stop(context.Background()))
	assert.ErrorIs(t, <-got, context.DeadlineExceeded)
}

func TestRunner_ForcedStopCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner(func(ctx context.Context, ev Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, 1, time.Hour)

	require.NoError(t, r.Submit(Event{}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Stop(ctx), context.DeadlineExceeded)
}
