// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	// ErrMalformedUpdate means the body is not an update at all.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrNoText means a valid update that carries no text message.
	ErrNoText = errors.New("update has no text message")
)

// Inbound is one text message from one user.
type Inbound struct {
	UpdateID int
	UserID   int64
	ChatID   int64
	Text     string
}

// webhookUpdate distinguishes a missing update_id from update_id 0.
type webhookUpdate struct {
	UpdateID *int `json:"update_id"`
	tgbotapi.Update
}

// ParseUpdate decodes a webhook body.
func ParseUpdate(body []byte) (Inbound, error) {
	var u webhookUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.UpdateID == nil {
		return Inbound{}, fmt.Errorf("%w: missing update_id", ErrMalformedUpdate)
	}
	u.Update.UpdateID = *u.UpdateID
	return FromUpdate(u.Update)
}

// FromUpdate extracts the text message of an update.
func FromUpdate(u tgbotapi.Update) (Inbound, error) {
	msg := u.Message
	if msg == nil || msg.Text == "" || msg.From == nil || msg.Chat == nil {
		return Inbound{UpdateID: u.UpdateID}, ErrNoText
	}
	return Inbound{
		UpdateID: u.UpdateID,
		UserID:   msg.From.ID,
		ChatID:   msg.Chat.ID,
		Text:     msg.Text,
	}, nil
}
