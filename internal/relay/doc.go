// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay turns a streaming completion into a bounded sequence of
// outbound chat operations on a single message.
//
// # State Machine
//
//	Idle -> Accumulating -> (Flushing)* -> Finalizing -> Done
//	any non-terminal state -> Errored
//
// Text is flushed each time its rune length crosses the next multiple of
// the flush granularity (50 by default). The first flush sends a new
// message, later flushes edit it. When the stream ends one unconditional
// final edit is issued, then the full text is appended to the session as
// an assistant turn. Displayed text is truncated to the platform limit;
// persisted text never is.
//
// On any failure the upstream is cancelled, one new error message is sent
// and nothing is persisted for the run.
package relay
