// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the HTTP front door of the orchestrator.
//
// Endpoints:
//   - POST /telegram/webhook - Inbound Telegram updates (secret-token protected)
//   - GET  /health           - Liveness check
//   - GET  /metrics          - Prometheus metrics
//   - GET  /                 - Service name and endpoint list
//
// The webhook acknowledges an update as soon as it is queued; the reply is
// streamed to the chat in the background.
package server
