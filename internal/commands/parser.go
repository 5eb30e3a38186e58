// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"strings"
	"unicode"
)

// =============================================================================
// PARSE RESULT
// =============================================================================

// ParseResult contains the result of parsing one inbound message.
type ParseResult struct {
	// IsCommand is true if the input starts with /
	IsCommand bool

	// Name is the directive without the slash or @bot suffix (e.g. "model")
	Name string

	// Arg is everything after the directive, trimmed; may contain spaces
	Arg string

	// RawInput is the original input string
	RawInput string
}

// Parse splits input into a directive name and one free-text argument.
// Returns IsCommand=false if the input doesn't start with /
func Parse(input string) ParseResult {
	result := ParseResult{RawInput: input}

	trimmed := strings.TrimLeftFunc(input, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, "/") {
		return result
	}
	result.IsCommand = true

	head, rest := trimmed, ""
	if end := strings.IndexFunc(trimmed, unicode.IsSpace); end >= 0 {
		head, rest = trimmed[:end], trimmed[end:]
	}

	name := head[1:]
	// Group chats address bots as /command@BotName.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	result.Name = name
	result.Arg = strings.TrimSpace(rest)
	return result
}

// IsCommand returns true if the input appears to be a directive.
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimLeftFunc(input, unicode.IsSpace), "/")
}
