// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the orchestrator packages.
//
// File Operations:
//   - AtomicWriteFile: crash-safe replace of a file (temp file, fsync, rename)
//
// Text:
//   - RuneLen, RunePrefix: length and truncation in Unicode code points, the
//     unit used for outbound message limits and flush thresholds
package util
