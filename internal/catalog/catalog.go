// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrDatabase      = errors.New("catalog database error")
	ErrModelNotFound = errors.New("model not in catalog")
)

const (
	// nonFreeListLimit caps ListAvailable(false).
	nonFreeListLimit = 20
)

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the SQLite-backed model table.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the catalog database at path, applies the
// schema and inserts the default descriptors that are not present yet.
// Use ":memory:" for a throwaway catalog.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDatabase, err)
	}

	// One writer at a time; a single connection also makes :memory: usable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrDatabase, p, err)
		}
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrDatabase, err)
	}

	c := &Catalog{db: db, logger: logger, now: time.Now}
	if _, err := c.AddIfMissing(ctx, DefaultModels()...); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// =============================================================================
// QUERIES
// =============================================================================

// BestModel picks the lowest-ranked model that fits the budget tier and has
// at least minContext tokens of context. Ties keep insertion order. When no
// row qualifies the fixed Fallback is returned; the error is only set for
// database failures, and even then the fallback is returned with it.
func (c *Catalog) BestModel(ctx context.Context, task string, tier BudgetTier, minContext int) (Selection, error) {
	var row *sql.Row
	if tier == BudgetFree {
		row = c.db.QueryRowContext(ctx, `
			SELECT m.model_id, m.name, m.score, m.task_scores
			FROM models m
			JOIN free_availability f ON m.model_id = f.model_id
			WHERE m.is_free = 1
			  AND f.available = 1
			  AND m.context_length >= ?
			ORDER BY m.rank ASC, m.rowid ASC
			LIMIT 1`, minContext)
	} else {
		row = c.db.QueryRowContext(ctx, `
			SELECT model_id, name, score, task_scores
			FROM models
			WHERE price_input <= ?
			  AND context_length >= ?
			ORDER BY rank ASC, rowid ASC
			LIMIT 1`, tier.PriceCeiling(), minContext)
	}

	var (
		sel        Selection
		taskScores string
	)
	err := row.Scan(&sel.ModelID, &sel.Name, &sel.OverallScore, &taskScores)
	if errors.Is(err, sql.ErrNoRows) {
		return Fallback(task), nil
	}
	if err != nil {
		return Fallback(task), fmt.Errorf("%w: best model: %v", ErrDatabase, err)
	}

	sel.TaskScore = sel.OverallScore
	if scores := decodeTaskScores(taskScores); scores != nil {
		if s, ok := scores[task]; ok {
			sel.TaskScore = s
		}
	}
	return sel, nil
}

// ListAvailable returns summaries ordered by rank. With freeOnly it lists the
// free models currently marked available; otherwise the top 20 of all models.
func (c *Catalog) ListAvailable(ctx context.Context, freeOnly bool) ([]Summary, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if freeOnly {
		rows, err = c.db.QueryContext(ctx, `
			SELECT m.model_id, m.name, m.provider, m.context_length, m.score
			FROM models m
			JOIN free_availability f ON m.model_id = f.model_id
			WHERE m.is_free = 1 AND f.available = 1
			ORDER BY m.rank ASC, m.rowid ASC`)
	} else {
		rows, err = c.db.QueryContext(ctx, `
			SELECT model_id, name, provider, context_length, score
			FROM models
			ORDER BY rank ASC, rowid ASC
			LIMIT ?`, nonFreeListLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s          Summary
			contextLen int
		)
		if err := rows.Scan(&s.ModelID, &s.Name, &s.Provider, &contextLen, &s.Score); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrDatabase, err)
		}
		s.Context = FormatContext(contextLen)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrDatabase, err)
	}
	return out, nil
}

// Get returns the descriptor for id.
func (c *Catalog) Get(ctx context.Context, id string) (ModelDescriptor, error) {
	var (
		d          ModelDescriptor
		taskScores string
		isFree     int
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT model_id, name, provider, rank, score, price_input, price_output,
		       context_length, task_scores, is_free
		FROM models WHERE model_id = ?`, id).
		Scan(&d.ID, &d.Name, &d.Provider, &d.Rank, &d.Score, &d.PriceInput, &d.PriceOutput,
			&d.ContextLength, &taskScores, &isFree)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelDescriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	if err != nil {
		return ModelDescriptor{}, fmt.Errorf("%w: get: %v", ErrDatabase, err)
	}
	d.TaskScores = decodeTaskScores(taskScores)
	d.IsFree = isFree == 1
	return d, nil
}

// Availability returns the free-availability row for id.
func (c *Catalog) Availability(ctx context.Context, id string) (FreeAvailability, error) {
	var (
		fa      FreeAvailability
		avail   int
		checked int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT model_id, available, last_checked FROM free_availability WHERE model_id = ?`, id).
		Scan(&fa.ModelID, &avail, &checked)
	if errors.Is(err, sql.ErrNoRows) {
		return FreeAvailability{ModelID: id}, nil
	}
	if err != nil {
		return FreeAvailability{}, fmt.Errorf("%w: availability: %v", ErrDatabase, err)
	}
	fa.Available = avail == 1
	fa.LastChecked = time.Unix(checked, 0)
	return fa, nil
}

// CountAvailable returns how many free models are currently marked available.
func (c *Catalog) CountAvailable(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM free_availability WHERE available = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrDatabase, err)
	}
	return n, nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// RefreshResult reports what RefreshFreeAvailability applied.
type RefreshResult struct {
	Available int
	Skipped   []string
}

// RefreshFreeAvailability replaces the free-availability set: every model is
// marked unavailable, then the given ids are marked available. An empty set
// blanks all availability. Ids without a catalog descriptor are skipped.
// The whole swap runs in one transaction, so readers see either the previous
// or the new set.
func (c *Catalog) RefreshFreeAvailability(ctx context.Context, ids []string) (RefreshResult, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("%w: begin: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE free_availability SET available = 0`); err != nil {
		return RefreshResult{}, fmt.Errorf("%w: clear availability: %v", ErrDatabase, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO free_availability (model_id, available, last_checked)
		SELECT ?, 1, ? WHERE EXISTS (SELECT 1 FROM models WHERE model_id = ?)
		ON CONFLICT(model_id) DO UPDATE SET available = 1, last_checked = excluded.last_checked`)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("%w: prepare: %v", ErrDatabase, err)
	}
	defer stmt.Close()

	var res RefreshResult
	now := c.now().Unix()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		r, err := stmt.ExecContext(ctx, id, now, id)
		if err != nil {
			return RefreshResult{}, fmt.Errorf("%w: mark %s: %v", ErrDatabase, id, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		res.Available++
	}

	if err := tx.Commit(); err != nil {
		return RefreshResult{}, fmt.Errorf("%w: commit: %v", ErrDatabase, err)
	}

	if len(res.Skipped) > 0 {
		c.logger.Warn().Int("skipped", len(res.Skipped)).Msg("CATALOG_REFRESH_UNKNOWN_IDS")
	}
	c.logger.Info().Int("available", res.Available).Msg("CATALOG_REFRESHED")
	return res, nil
}

// Upsert inserts descriptors or updates every field except the id.
func (c *Catalog) Upsert(ctx context.Context, models ...ModelDescriptor) error {
	_, err := c.write(ctx, `
		INSERT INTO models (model_id, name, provider, rank, score, price_input, price_output,
		                    context_length, task_scores, is_free, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
		    name = excluded.name, provider = excluded.provider, rank = excluded.rank,
		    score = excluded.score, price_input = excluded.price_input,
		    price_output = excluded.price_output, context_length = excluded.context_length,
		    task_scores = excluded.task_scores, is_free = excluded.is_free,
		    updated_at = excluded.updated_at`, models)
	return err
}

// AddIfMissing inserts descriptors whose id is not yet present and returns
// how many were added. New free models get an availability row marked
// available, matching the bootstrap defaults.
func (c *Catalog) AddIfMissing(ctx context.Context, models ...ModelDescriptor) (int, error) {
	return c.write(ctx, `
		INSERT OR IGNORE INTO models (model_id, name, provider, rank, score, price_input,
		                              price_output, context_length, task_scores, is_free, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, models)
}

func (c *Catalog) write(ctx context.Context, query string, models []ModelDescriptor) (int, error) {
	if len(models) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	now := c.now().Unix()
	written := 0
	for _, m := range models {
		if m.ID == "" {
			return 0, fmt.Errorf("%w: descriptor without id", ErrDatabase)
		}
		scores, err := json.Marshal(m.TaskScores)
		if err != nil || m.TaskScores == nil {
			scores = []byte("{}")
		}
		r, err := tx.ExecContext(ctx, query, m.ID, m.Name, m.Provider, m.Rank, m.Score,
			m.PriceInput, m.PriceOutput, m.ContextLength, string(scores), boolToInt(m.IsFree), now)
		if err != nil {
			return 0, fmt.Errorf("%w: write %s: %v", ErrDatabase, m.ID, err)
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			continue
		}
		written++

		if m.IsFree {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO free_availability (model_id, available, last_checked)
				VALUES (?, 1, ?)`, m.ID, now); err != nil {
				return 0, fmt.Errorf("%w: availability %s: %v", ErrDatabase, m.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrDatabase, err)
	}
	return written, nil
}

func decodeTaskScores(raw string) map[string]float64 {
	if raw == "" {
		return nil
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return nil
	}
	return scores
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
