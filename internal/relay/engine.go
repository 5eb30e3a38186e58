// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/relay-orchestrator/internal/cloud"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/session"
	"github.com/jeranaias/relay-orchestrator/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultFlushEvery is the flush granularity in runes.
	DefaultFlushEvery = 50

	// DefaultStreamTimeout bounds one whole run.
	DefaultStreamTimeout = 5 * time.Minute

	// notifyTimeout bounds the error notice, which is sent even when the
	// run's context is already done.
	notifyTimeout = 15 * time.Second
)

// ErrStreamAborted is reported when the stream stops because the run's
// context ended before upstream finished.
var ErrStreamAborted = errors.New("completion stream aborted")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Messenger creates and edits outbound chat messages.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Streamer starts a streaming completion.
type Streamer interface {
	StreamCompletion(ctx context.Context, model string, messages []cloud.ChatMessage) (<-chan cloud.StreamChunk, error)
}

// Sessions records conversation turns.
type Sessions interface {
	AppendTurn(ctx context.Context, userID int64, role, content string) (*session.UserSession, error)
}

// =============================================================================
// STATE
// =============================================================================

// State is a relay run's position in the state machine.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateFinalizing
	StateDone
	StateErrored
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// =============================================================================
// ENGINE
// =============================================================================

// Config tunes an Engine. Zero values take the defaults.
type Config struct {
	FlushEvery       int
	MaxMessageLength int
	EditRate         rate.Limit // edits per second for one run; 0 means unlimited
	EditBurst        int
	StreamTimeout    time.Duration
	SystemPrompt     string
}

// Request is one user message to relay.
type Request struct {
	UserID int64
	ChatID int64
	Text   string
}

// Result describes a finished run.
type Result struct {
	State     State
	Text      string // full accumulated text
	MessageID int    // outbound message, 0 if none was created
	Sends     int
	Edits     int // includes the final edit
	Err       error

	// FinishReason is upstream's reason for ending ("stop", "length", ...),
	// empty when the stream ended without one.
	FinishReason string
}

// Engine runs relay requests. It is safe for concurrent use; each Run owns
// its own state.
type Engine struct {
	cfg      Config
	streamer Streamer
	msgr     Messenger
	sessions Sessions
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewEngine creates an engine.
func NewEngine(cfg Config, streamer Streamer, msgr Messenger, sessions Sessions) *Engine {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.EditRate <= 0 {
		cfg.EditRate = rate.Inf
	}
	if cfg.EditBurst <= 0 {
		cfg.EditBurst = 1
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Engine{
		cfg:      cfg,
		streamer: streamer,
		msgr:     msgr,
		sessions: sessions,
		logger:   zerolog.Nop(),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger zerolog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// run is the mutable state of one Run.
type run struct {
	e       *Engine
	req     Request
	limiter *rate.Limiter
	log     zerolog.Logger

	state     State
	text      strings.Builder
	length    int // runes in text
	nextFlush int
	messageID int
	sends     int
	edits     int
	finish    string
}

// Run relays one user message. The user turn is recorded first, then the
// completion is streamed to the chat. The returned error is the cause of
// an Errored run; the error notice has already been sent by then.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	r := &run{
		e:         e,
		req:       req,
		limiter:   rate.NewLimiter(e.cfg.EditRate, e.cfg.EditBurst),
		log:       e.logger.With().Int64("user_id", req.UserID).Int64("chat_id", req.ChatID).Logger(),
		state:     StateIdle,
		nextFlush: e.cfg.FlushEvery,
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StreamTimeout)
	defer cancel()

	err := r.execute(ctx, cancel)
	if err != nil {
		r.fail(ctx, err)
	}

	res := Result{
		State:     r.state,
		Text:      r.text.String(),
		MessageID: r.messageID,
		Sends:     r.sends,
		Edits:     r.edits,
		Err:       err,

		FinishReason: r.finish,
	}

	outcome := metrics.OutcomeDone
	switch {
	case res.State == StateErrored:
		outcome = metrics.OutcomeErrored
	case r.length == 0:
		outcome = metrics.OutcomeEmpty
	}
	e.metrics.RelayRun(outcome, time.Since(start).Seconds())
	r.log.Info().
		Str("outcome", outcome).
		Int("runes", r.length).
		Int("sends", r.sends).
		Int("edits", r.edits).
		Str("finish_reason", r.finish).
		Dur("duration", time.Since(start)).
		Msg("RELAY_FINISHED")

	return res, err
}

func (r *run) execute(ctx context.Context, cancel context.CancelFunc) error {
	sess, err := r.e.sessions.AppendTurn(ctx, r.req.UserID, session.RoleUser, r.req.Text)
	if err != nil {
		return err
	}
	r.log = r.log.With().Str("model", sess.Model).Logger()

	chunks, err := r.e.streamer.StreamCompletion(ctx, sess.Model, BuildMessages(r.e.cfg.SystemPrompt, sess))
	if err != nil {
		return err
	}
	// Stop the upstream reader if we leave early; drain so its goroutine
	// is never stuck on a send.
	defer func() {
		cancel()
		for range chunks {
		}
	}()

	for chunk := range chunks {
		if chunk.HasError() {
			return chunk.Error
		}
		if err := r.consume(ctx, chunk.GetContent()); err != nil {
			return err
		}
		if chunk.IsDone() {
			r.finish = chunk.GetFinishReason()
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamAborted, err)
	}

	return r.finalize(ctx)
}

// consume appends one fragment and flushes at most once.
func (r *run) consume(ctx context.Context, fragment string) error {
	if fragment == "" {
		return nil
	}
	if r.state == StateIdle {
		r.state = StateAccumulating
	}
	r.text.WriteString(fragment)
	r.length += util.RuneLen(fragment)

	if r.length < r.nextFlush {
		return nil
	}
	every := r.e.cfg.FlushEvery
	r.nextFlush = (r.length/every + 1) * every

	r.state = StateFlushing
	if err := r.flush(ctx, false); err != nil {
		return err
	}
	r.state = StateAccumulating
	return nil
}

// flush shows the current text: a send if no message exists, else an edit.
func (r *run) flush(ctx context.Context, final bool) error {
	text := DisplayText(r.text.String(), r.e.cfg.MaxMessageLength)

	if r.messageID == 0 {
		id, err := r.e.msgr.Send(ctx, r.req.ChatID, text)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		r.messageID = id
		r.sends++
		r.e.metrics.Flush(metrics.FlushSend)
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("edit pacing: %w", err)
	}
	if err := r.e.msgr.Edit(ctx, r.req.ChatID, r.messageID, text); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	r.edits++
	if final {
		r.e.metrics.Flush(metrics.FlushFinal)
	} else {
		r.e.metrics.Flush(metrics.FlushEdit)
	}
	return nil
}

// finalize issues the closing edit and persists the assistant turn.
func (r *run) finalize(ctx context.Context) error {
	if r.length == 0 {
		r.log.Warn().Msg("RELAY_EMPTY_COMPLETION")
		r.state = StateDone
		return nil
	}

	r.state = StateFinalizing
	if err := r.flush(ctx, true); err != nil {
		return err
	}

	if _, err := r.e.sessions.AppendTurn(ctx, r.req.UserID, session.RoleAssistant, PersistText(r.text.String())); err != nil {
		return err
	}
	r.state = StateDone
	return nil
}

// fail moves to Errored and sends the single error notice as a new message.
func (r *run) fail(ctx context.Context, cause error) {
	prev := r.state
	r.state = StateErrored
	r.log.Error().Err(cause).Str("from_state", prev.String()).Int("runes", r.length).Msg("RELAY_ERRORED")

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if _, err := r.e.msgr.Send(nctx, r.req.ChatID, ErrorNotice(cause, r.e.cfg.MaxMessageLength)); err != nil {
		r.log.Error().Err(err).Msg("RELAY_NOTICE_FAILED")
	}
}
