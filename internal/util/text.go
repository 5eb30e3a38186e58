// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "unicode/utf8"

// RuneLen returns the number of Unicode code points in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}

// RunePrefix returns at most maxRunes code points from the start of s.
// No ellipsis is added; the excess is simply dropped.
func RunePrefix(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if len(s) <= maxRunes {
		// Byte length bounds rune count.
		return s
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i]
		}
		count++
	}
	return s
}
