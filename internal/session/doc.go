// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session persists per-user conversation state.
//
// Each user has one JSON file, <dir>/<user_id>.json, written atomically.
// A missing file is not an error: Load returns a fresh default session.
// Sessions are never deleted, only reset.
//
// # Operations
//
//   - Load / Save: read or replace the whole record
//   - SetWorkingContext: change the working directory, dropping the thread handle
//   - SwitchModel: change the active model, dropping the history
//   - AppendTurn: add one message, keeping the most recent HistoryLimit
//   - ResetConversation: drop history and thread handle
//
// Every mutating operation is a locked load-modify-save, so two concurrent
// calls for the same user never lose each other's update.
package session
