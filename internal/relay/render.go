// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"github.com/jeranaias/relay-orchestrator/internal/util"
)

// DefaultMaxMessageLength is Telegram's message text limit, in runes.
const DefaultMaxMessageLength = 4096

// ErrorNoticePrefix starts every user-visible failure message.
const ErrorNoticePrefix = "❌ Error: "

// DisplayText returns what is shown to the user: text cut to maxRunes.
// Excess is dropped, not carried into another message.
func DisplayText(text string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxMessageLength
	}
	return util.RunePrefix(text, maxRunes)
}

// PersistText returns what is written to history: the full text.
func PersistText(text string) string {
	return text
}

// ErrorNotice formats err as the single failure message of a run.
func ErrorNotice(err error, maxRunes int) string {
	return DisplayText(ErrorNoticePrefix+err.Error(), maxRunes)
}
