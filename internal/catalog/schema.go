// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

// Schema creates the catalog tables. Safe to run on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS models (
    model_id       TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    provider       TEXT NOT NULL DEFAULT '',
    rank           INTEGER NOT NULL,
    score          REAL NOT NULL DEFAULT 0,
    price_input    REAL NOT NULL DEFAULT 0,  -- USD per 1M tokens
    price_output   REAL NOT NULL DEFAULT 0,
    context_length INTEGER NOT NULL DEFAULT 0,
    task_scores    TEXT NOT NULL DEFAULT '{}', -- JSON: {"coding": 95}
    is_free        INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL           -- Unix timestamp
);

CREATE INDEX IF NOT EXISTS idx_models_rank ON models(rank);

CREATE TABLE IF NOT EXISTS free_availability (
    model_id     TEXT PRIMARY KEY,
    available    INTEGER NOT NULL DEFAULT 1,
    last_checked INTEGER NOT NULL,
    FOREIGN KEY(model_id) REFERENCES models(model_id) ON DELETE CASCADE
) WITHOUT ROWID;
`
