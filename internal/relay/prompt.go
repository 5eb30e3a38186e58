// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"strings"

	"github.com/jeranaias/relay-orchestrator/internal/cloud"
	"github.com/jeranaias/relay-orchestrator/internal/session"
)

// DefaultSystemPrompt is prepended to every completion. {cwd} is replaced
// with the user's working context.
const DefaultSystemPrompt = `You are a remote coding agent, accessed via Telegram.

Working directory: {cwd}

Keep responses concise and practical. Use code blocks with language tags.
When suggesting file changes, show exact diffs or complete updated files.
`

// RenderSystemPrompt fills the {cwd} placeholder of tmpl.
func RenderSystemPrompt(tmpl, cwd string) string {
	if tmpl == "" {
		tmpl = DefaultSystemPrompt
	}
	return strings.ReplaceAll(tmpl, "{cwd}", cwd)
}

// BuildMessages returns the system prompt followed by the session history.
// The history is expected to already end with the current user turn.
func BuildMessages(tmpl string, sess *session.UserSession) []cloud.ChatMessage {
	msgs := make([]cloud.ChatMessage, 0, len(sess.History)+1)
	msgs = append(msgs, cloud.NewSystemMessage(RenderSystemPrompt(tmpl, sess.WorkingContext)))
	for _, turn := range sess.History {
		switch turn.Role {
		case session.RoleUser:
			msgs = append(msgs, cloud.NewUserMessage(turn.Content))
		case session.RoleAssistant:
			msgs = append(msgs, cloud.NewAssistantMessage(turn.Content))
		default:
			msgs = append(msgs, cloud.ChatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
	return msgs
}
