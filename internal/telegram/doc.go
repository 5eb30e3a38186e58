// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telegram is the Bot API side of the orchestrator: sending and
// editing messages, decoding inbound updates and long polling.
package telegram
