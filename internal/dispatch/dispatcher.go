// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch routes inbound messages to the command router or the
// relay engine and runs them in the background.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/relay-orchestrator/internal/commands"
	"github.com/jeranaias/relay-orchestrator/internal/relay"
	"github.com/jeranaias/relay-orchestrator/internal/telegram"
	"github.com/jeranaias/relay-orchestrator/internal/userlock"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one inbound text message queued for handling.
type Event struct {
	ID       string
	UpdateID int
	UserID   int64
	ChatID   int64
	Text     string
	Received time.Time
}

// NewEvent wraps an inbound message with a fresh event id.
func NewEvent(in telegram.Inbound) Event {
	return Event{
		ID:       uuid.NewString(),
		UpdateID: in.UpdateID,
		UserID:   in.UserID,
		ChatID:   in.ChatID,
		Text:     in.Text,
		Received: time.Now(),
	}
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Messenger is the outbound side used for command replies and typing.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) (int, error)
	Typing(ctx context.Context, chatID int64) error
}

// Relay streams a completion back to the chat.
type Relay interface {
	Run(ctx context.Context, req relay.Request) (relay.Result, error)
}

// Commands answers directives.
type Commands interface {
	Handle(ctx context.Context, userID int64, text string) commands.Reply
}

// notifyTimeout bounds delivery of an error notice.
const notifyTimeout = 15 * time.Second

// Dispatcher handles one event at a time per user.
type Dispatcher struct {
	locker   userlock.Locker
	commands Commands
	relay    Relay
	msgr     Messenger
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher. A nil locker means an in-process one.
func NewDispatcher(locker userlock.Locker, cmds Commands, rl Relay, msgr Messenger) *Dispatcher {
	if locker == nil {
		locker = userlock.NewMemoryLocker()
	}
	return &Dispatcher{
		locker:   locker,
		commands: cmds,
		relay:    rl,
		msgr:     msgr,
		logger:   zerolog.Nop(),
	}
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// Handle processes ev. Events from the same user are serialized, so a
// second message waits until the first reply has finished streaming.
// A lock failure or a panic is reported to the chat as an error notice.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) (err error) {
	log := d.logger.With().Str("event_id", ev.ID).Int64("user_id", ev.UserID).Logger()

	unlock, err := d.locker.Lock(ctx, "event:"+strconv.FormatInt(ev.UserID, 10))
	if err != nil {
		err = fmt.Errorf("acquire user lock: %w", err)
		log.Error().Err(err).Msg("USER_LOCK_FAILED")
		d.notify(ctx, ev, err)
		return err
	}
	defer unlock()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("EVENT_PANIC: %v", rec)
			err = fmt.Errorf("panic handling event: %v", rec)
			d.notify(ctx, ev, err)
		}
	}()

	if commands.IsCommand(ev.Text) {
		reply := d.commands.Handle(ctx, ev.UserID, ev.Text)
		log.Info().Str("command", reply.Command).Msg("COMMAND_HANDLED")
		if _, err := d.msgr.Send(ctx, ev.ChatID, reply.Text); err != nil {
			return fmt.Errorf("send command reply: %w", err)
		}
		return reply.Err
	}

	if err := d.msgr.Typing(ctx, ev.ChatID); err != nil {
		log.Debug().Err(err).Msg("TYPING_FAILED")
	}

	_, err = d.relay.Run(ctx, relay.Request{UserID: ev.UserID, ChatID: ev.ChatID, Text: ev.Text})
	return err
}

// notify sends one error notice to the event's chat. It runs on a detached
// context so a cancelled or timed-out event can still report.
func (d *Dispatcher) notify(ctx context.Context, ev Event, cause error) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if _, err := d.msgr.Send(nctx, ev.ChatID, relay.ErrorNotice(cause, relay.DefaultMaxMessageLength)); err != nil {
		d.logger.Error().Err(err).Str("event_id", ev.ID).Msg("ERROR_NOTICE_FAILED")
	}
}
