// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relay-orchestrator/internal/catalog"
	"github.com/jeranaias/relay-orchestrator/internal/cloud"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/session"
)

// =============================================================================
// FAKES
// =============================================================================

type op struct {
	kind string // "send" or "edit"
	id   int
	text string
}

type fakeMessenger struct {
	mu       sync.Mutex
	ops      []op
	nextID   int
	failSend func(n int) error // n counts sends from 1
	failEdit func(n int) error
	sends    int
	edits    int
}

func (m *fakeMessenger) Send(ctx context.Context, chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	if m.failSend != nil {
		if err := m.failSend(m.sends); err != nil {
			return 0, err
		}
	}
	m.nextID++
	m.ops = append(m.ops, op{kind: "send", id: m.nextID, text: text})
	return m.nextID, nil
}

func (m *fakeMessenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits++
	if m.failEdit != nil {
		if err := m.failEdit(m.edits); err != nil {
			return err
		}
	}
	m.ops = append(m.ops, op{kind: "edit", id: messageID, text: text})
	return nil
}

func (m *fakeMessenger) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ops))
	for i, o := range m.ops {
		out[i] = o.kind
	}
	return out
}

type fakeStreamer struct {
	chunks   []cloud.StreamChunk
	err      error
	model    string
	messages []cloud.ChatMessage
}

func (s *fakeStreamer) StreamCompletion(ctx context.Context, model string, messages []cloud.ChatMessage) (<-chan cloud.StreamChunk, error) {
	s.model = model
	s.messages = messages
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan cloud.StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func fragments(parts ...string) []cloud.StreamChunk {
	out := make([]cloud.StreamChunk, len(parts))
	for i, p := range parts {
		out[i] = cloud.TextChunk(p)
	}
	return out
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(session.Config{Dir: t.TempDir(), DefaultModel: catalog.FallbackModelID})
	require.NoError(t, err)
	return store
}

func newEngine(t *testing.T, cfg Config, s Streamer, m Messenger) (*Engine, *session.Store) {
	t.Helper()
	store := newStore(t)
	return NewEngine(cfg, s, m, store).WithMetrics(metrics.New()), store
}

const (
	userID = int64(42)
	chatID = int64(4242)
)

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRun_HelloScenario(t *testing.T) {
	tail := strings.Repeat("a", 45) + "!"
	streamer := &fakeStreamer{chunks: fragments("Hi there! ", tail[:45], tail[45:])}
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{}, streamer, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.NoError(t, err)

	full := "Hi there! " + tail
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, full, res.Text)
	assert.Equal(t, 1, res.Sends)
	assert.Equal(t, 1, res.Edits)

	require.Equal(t, []string{"send", "edit"}, msgr.kinds())
	assert.Equal(t, "Hi there! "+tail[:45], msgr.ops[0].text)
	assert.Equal(t, full, msgr.ops[1].text)
	assert.Equal(t, msgr.ops[0].id, msgr.ops[1].id)

	assert.Equal(t, catalog.FallbackModelID, streamer.model)
	require.Len(t, streamer.messages, 2)
	assert.Equal(t, "system", streamer.messages[0].Role)
	assert.Contains(t, streamer.messages[0].Content, "Working directory: /workspace")
	assert.Equal(t, cloud.NewUserMessage("hello"), streamer.messages[1])

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []session.Turn{
		{Role: session.RoleUser, Content: "hello"},
		{Role: session.RoleAssistant, Content: full},
	}, sess.History)
}

func TestRun_RecordsFinishReason(t *testing.T) {
	last := cloud.TextChunk("!")
	last.Choices[0].FinishReason = "length"
	streamer := &fakeStreamer{chunks: append(fragments("cut off"), last)}
	engine, _ := newEngine(t, Config{}, streamer, &fakeMessenger{})

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "length", res.FinishReason)
	assert.Equal(t, "cut off!", res.Text)
}

func TestBuildMessages_MapsRoles(t *testing.T) {
	sess := &session.UserSession{
		WorkingContext: "/src",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "q"},
			{Role: session.RoleAssistant, Content: "a"},
		},
	}

	msgs := BuildMessages("", sess)

	require.Len(t, msgs, 3)
	assert.Equal(t, cloud.NewSystemMessage(RenderSystemPrompt("", "/src")), msgs[0])
	assert.Equal(t, cloud.NewUserMessage("q"), msgs[1])
	assert.Equal(t, cloud.NewAssistantMessage("a"), msgs[2])
}

func TestRun_FlushCountFollowsThresholdCrossings(t *testing.T) {
	// Twelve 10-rune fragments cross 50 and 100: one send, one edit, then
	// the final edit.
	parts := make([]string, 12)
	for i := range parts {
		parts[i] = strings.Repeat(string(rune('a'+i)), 10)
	}
	msgr := &fakeMessenger{}
	engine, _ := newEngine(t, Config{}, &fakeStreamer{chunks: fragments(parts...)}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "go"})
	require.NoError(t, err)

	assert.Equal(t, []string{"send", "edit", "edit"}, msgr.kinds())
	assert.Equal(t, 50, len([]rune(msgr.ops[0].text)))
	assert.Equal(t, 100, len([]rune(msgr.ops[1].text)))
	assert.Equal(t, strings.Join(parts, ""), msgr.ops[2].text)
	assert.Equal(t, 1, res.Sends)
	assert.Equal(t, 2, res.Edits)
}

func TestRun_OneFlushPerFragment(t *testing.T) {
	// A single burst crossing 50, 100 and 150 still flushes once.
	msgr := &fakeMessenger{}
	engine, _ := newEngine(t, Config{}, &fakeStreamer{chunks: fragments(strings.Repeat("x", 160), "yz")}, msgr)

	_, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "go"})
	require.NoError(t, err)

	// 162 runes: next threshold after the burst is 200, so "yz" does not flush.
	assert.Equal(t, []string{"send", "edit"}, msgr.kinds())
	assert.Len(t, msgr.ops[0].text, 160)
	assert.Len(t, msgr.ops[1].text, 162)
}

func TestRun_ShortReplyIsSentOnce(t *testing.T) {
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{}, &fakeStreamer{chunks: fragments("Hi", " there", "!")}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, []string{"send"}, msgr.kinds())
	assert.Equal(t, "Hi there!", msgr.ops[0].text)
	assert.Equal(t, 0, res.Edits)

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, "Hi there!", sess.History[1].Content)
}

func TestRun_TruncatesDisplayNotHistory(t *testing.T) {
	long := strings.Repeat("é", 120)
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{MaxMessageLength: 100}, &fakeStreamer{chunks: fragments(long)}, msgr)

	_, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "go"})
	require.NoError(t, err)

	for _, o := range msgr.ops {
		assert.Equal(t, 100, len([]rune(o.text)))
	}
	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, long, sess.History[1].Content)
}

func TestRun_EmptyCompletion(t *testing.T) {
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{}, &fakeStreamer{chunks: fragments("", "")}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, msgr.ops)

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []session.Turn{{Role: session.RoleUser, Content: "hello"}}, sess.History)
}

func TestRun_IncludesPriorHistory(t *testing.T) {
	streamer := &fakeStreamer{chunks: fragments("ok")}
	engine, store := newEngine(t, Config{SystemPrompt: "cwd={cwd}"}, streamer, &fakeMessenger{})
	ctx := context.Background()

	_, err := store.SetWorkingContext(ctx, userID, "/srv/app")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, userID, session.RoleUser, "first")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, userID, session.RoleAssistant, "answer")
	require.NoError(t, err)

	_, err = engine.Run(ctx, Request{UserID: userID, ChatID: chatID, Text: "second"})
	require.NoError(t, err)

	require.Len(t, streamer.messages, 4)
	assert.Equal(t, cloud.NewSystemMessage("cwd=/srv/app"), streamer.messages[0])
	assert.Equal(t, "second", streamer.messages[3].Content)
}

// =============================================================================
// ERROR PATHS
// =============================================================================

func TestRun_StreamFailsMidway(t *testing.T) {
	chunks := fragments(strings.Repeat("a", 60), "more")
	chunks = append(chunks, cloud.StreamChunk{Error: errors.New("connection reset")}, cloud.TextChunk("never"))
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{}, &fakeStreamer{chunks: chunks}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, StateErrored, res.State)

	// One flush send, then the notice as a separate new message.
	require.Equal(t, []string{"send", "send"}, msgr.kinds())
	assert.NotEqual(t, msgr.ops[0].id, msgr.ops[1].id)
	assert.Equal(t, "❌ Error: connection reset", msgr.ops[1].text)
	assert.NotContains(t, res.Text, "never")

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []session.Turn{{Role: session.RoleUser, Content: "hello"}}, sess.History)
}

func TestRun_StreamRejected(t *testing.T) {
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{}, &fakeStreamer{err: cloud.ErrRateLimited}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	assert.ErrorIs(t, err, cloud.ErrRateLimited)
	assert.Equal(t, StateErrored, res.State)
	require.Len(t, msgr.ops, 1)
	assert.Equal(t, "❌ Error: rate limited", msgr.ops[0].text)

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1)
}

func TestRun_EditFailureStopsRun(t *testing.T) {
	msgr := &fakeMessenger{failEdit: func(n int) error { return errors.New("telegram down") }}
	engine, store := newEngine(t, Config{}, &fakeStreamer{chunks: fragments(strings.Repeat("a", 50), strings.Repeat("b", 50), "c")}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edit message")
	assert.Equal(t, StateErrored, res.State)
	assert.Equal(t, 100, len(res.Text)) // "c" never consumed

	assert.Equal(t, []string{"send", "send"}, msgr.kinds())
	assert.Contains(t, msgr.ops[1].text, "telegram down")

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1)
}

func TestRun_FirstSendFailureStillNotifies(t *testing.T) {
	msgr := &fakeMessenger{failSend: func(n int) error {
		if n == 1 {
			return errors.New("chat not found")
		}
		return nil
	}}
	engine, _ := newEngine(t, Config{}, &fakeStreamer{chunks: fragments("short")}, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, StateErrored, res.State)
	require.Len(t, msgr.ops, 1)
	assert.Equal(t, "❌ Error: send message: chat not found", msgr.ops[0].text)
}

// blockingStreamer emits one fragment and then waits for cancellation.
type blockingStreamer struct {
	cancelled chan struct{}
}

func (s *blockingStreamer) StreamCompletion(ctx context.Context, model string, messages []cloud.ChatMessage) (<-chan cloud.StreamChunk, error) {
	ch := make(chan cloud.StreamChunk)
	go func() {
		defer close(ch)
		select {
		case ch <- cloud.TextChunk("partial"):
		case <-ctx.Done():
		}
		<-ctx.Done()
		close(s.cancelled)
	}()
	return ch, nil
}

func TestRun_TimeoutCancelsUpstream(t *testing.T) {
	streamer := &blockingStreamer{cancelled: make(chan struct{})}
	msgr := &fakeMessenger{}
	engine, store := newEngine(t, Config{StreamTimeout: 50 * time.Millisecond}, streamer, msgr)

	res, err := engine.Run(context.Background(), Request{UserID: userID, ChatID: chatID, Text: "hello"})
	assert.ErrorIs(t, err, ErrStreamAborted)
	assert.Equal(t, StateErrored, res.State)

	select {
	case <-streamer.cancelled:
	case <-time.After(time.Second):
		t.Fatal("upstream was not cancelled")
	}

	// Notice is delivered even though the run context had expired.
	require.Len(t, msgr.ops, 1)
	assert.True(t, strings.HasPrefix(msgr.ops[0].text, ErrorNoticePrefix))

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1)
}

// =============================================================================
// HELPERS
// =============================================================================

func TestStateString(t *testing.T) {
	assert.Equal(t, "accumulating", StateAccumulating.String())
	assert.Equal(t, "state(99)", State(99).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateFlushing.Terminal())
}

func TestDisplayAndPersistText(t *testing.T) {
	text := strings.Repeat("ж", 5000)
	assert.Equal(t, DefaultMaxMessageLength, len([]rune(DisplayText(text, 0))))
	assert.Equal(t, "ab", DisplayText("abc", 2))
	assert.Equal(t, text, PersistText(text))
	assert.Equal(t, "❌ Error: boom", ErrorNotice(errors.New("boom"), 0))
}

func TestRenderSystemPrompt(t *testing.T) {
	got := RenderSystemPrompt("", "/repo")
	assert.True(t, strings.HasPrefix(got, "You are a remote coding agent, accessed via Telegram.\n\nWorking directory: /repo\n"))
	assert.Equal(t, "in /a and /a", RenderSystemPrompt("in {cwd} and {cwd}", "/a"))
}
