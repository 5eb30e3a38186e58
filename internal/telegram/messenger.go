// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	// DefaultAPIEndpoint is the Bot API URL template (token, method).
	DefaultAPIEndpoint = tgbotapi.APIEndpoint

	// DefaultParseMode renders replies as Telegram Markdown.
	DefaultParseMode = tgbotapi.ModeMarkdown

	// maxRetryAfter caps how long a 429 is waited out before giving up.
	maxRetryAfter = 10 * time.Second
)

const (
	errNotModified = "message is not modified"
	errParseEntity = "can't parse entities"
)

// Options configures a Messenger.
type Options struct {
	APIEndpoint string
	ParseMode   string // "" disables formatting
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// Messenger sends and edits chat messages through the Bot API.
type Messenger struct {
	bot       *tgbotapi.BotAPI
	parseMode string
	logger    zerolog.Logger
}

// NewMessenger authenticates with getMe and returns a ready messenger.
func NewMessenger(token string, opts Options) (*Messenger, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = DefaultAPIEndpoint
	}
	if opts.HTTPClient == nil {
		// Long polling holds requests for up to a minute.
		opts.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}

	_ = tgbotapi.SetLogger(botLogger{opts.Logger})
	bot, err := tgbotapi.NewBotAPIWithClient(token, opts.APIEndpoint, opts.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram auth failed: %w", err)
	}
	opts.Logger.Info().Str("bot", bot.Self.UserName).Msg("TELEGRAM_AUTHORIZED")

	return &Messenger{bot: bot, parseMode: opts.ParseMode, logger: opts.Logger}, nil
}

// BotName returns the bot's username.
func (m *Messenger) BotName() string {
	return m.bot.Self.UserName
}

// Send posts a new message and returns its id.
func (m *Messenger) Send(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = m.parseMode

	var sent tgbotapi.Message
	err := m.do(ctx, "sendMessage", func(plain bool) error {
		if plain {
			msg.ParseMode = ""
		}
		var err error
		sent, err = m.bot.Send(msg)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit replaces the text of a message. An edit that changes nothing
// succeeds.
func (m *Messenger) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = m.parseMode

	err := m.do(ctx, "editMessageText", func(plain bool) error {
		if plain {
			edit.ParseMode = ""
		}
		_, err := m.bot.Request(edit)
		return err
	})
	if err != nil && strings.Contains(err.Error(), errNotModified) {
		return nil
	}
	return err
}

// Typing shows the "typing" indicator in chatID.
func (m *Messenger) Typing(ctx context.Context, chatID int64) error {
	return m.do(ctx, "sendChatAction", func(bool) error {
		_, err := m.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return err
	})
}

// do runs call once, then at most once more: without formatting if the
// text failed to parse, or after the requested delay on a 429.
func (m *Messenger) do(ctx context.Context, method string, call func(plain bool) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := call(false)
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	switch {
	case strings.Contains(err.Error(), errParseEntity) && m.parseMode != "":
		m.logger.Debug().Str("method", method).Msg("TELEGRAM_PLAIN_RETRY")
		err = call(true)

	case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait > maxRetryAfter {
			break
		}
		m.logger.Warn().Str("method", method).Dur("retry_after", wait).Msg("TELEGRAM_RATE_LIMITED")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = call(false)
	}

	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	return nil
}

// botLogger routes the library's own log lines into zerolog.
type botLogger struct {
	logger zerolog.Logger
}

func (l botLogger) Println(v ...interface{}) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}
