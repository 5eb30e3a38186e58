// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the getUpdates long-poll timeout in seconds.
const DefaultPollTimeout = 60

// Poller receives updates with getUpdates instead of a webhook.
type Poller struct {
	m       *Messenger
	timeout int
	handle  func(Inbound)
}

// NewPoller creates a poller that passes each text message to handle.
// handle must not block for long; hand work off to a runner.
func (m *Messenger) NewPoller(timeoutSecs int, handle func(Inbound)) *Poller {
	if timeoutSecs <= 0 {
		timeoutSecs = DefaultPollTimeout
	}
	return &Poller{m: m, timeout: timeoutSecs, handle: handle}
}

// Run removes any registered webhook, then polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if _, err := p.m.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = p.timeout
	cfg.AllowedUpdates = []string{"message"}

	updates := p.m.bot.GetUpdatesChan(cfg)
	p.m.logger.Info().Int("timeout", p.timeout).Msg("TELEGRAM_POLLING")

	for {
		select {
		case <-ctx.Done():
			p.m.bot.StopReceivingUpdates()
			p.m.logger.Info().Msg("TELEGRAM_POLLING_STOPPED")
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			in, err := FromUpdate(u)
			if err != nil {
				p.m.logger.Debug().Int("update_id", u.UpdateID).Msg("TELEGRAM_UPDATE_IGNORED")
				continue
			}
			p.handle(in)
		}
	}
}
