// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog is the ranked table of completion models.
//
// It answers "best model for task and budget" queries and tracks which free
// models upstream currently serves. Lookups never fail for lack of a match:
// the fixed Fallback selection is returned instead.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// BUDGET TIERS
// ============================================================================

// BudgetTier is a coarse price ceiling used to filter candidate models.
type BudgetTier int

const (
	// BudgetFree requires the free-tier flag and confirmed availability.
	BudgetFree BudgetTier = iota
	// BudgetCheap allows input prices up to $1 per 1M tokens.
	BudgetCheap
	// BudgetBalanced allows input prices up to $5 per 1M tokens.
	BudgetBalanced
	// BudgetPremium is effectively unbounded.
	BudgetPremium
)

// String returns the tier name used in configuration and commands.
func (b BudgetTier) String() string {
	switch b {
	case BudgetFree:
		return "free"
	case BudgetCheap:
		return "cheap"
	case BudgetBalanced:
		return "balanced"
	case BudgetPremium:
		return "premium"
	default:
		return fmt.Sprintf("BudgetTier(%d)", b)
	}
}

// PriceCeiling is the maximum input price (USD per 1M tokens) for paid tiers.
func (b BudgetTier) PriceCeiling() float64 {
	switch b {
	case BudgetCheap:
		return 1.0
	case BudgetBalanced:
		return 5.0
	case BudgetPremium:
		return 999.0
	default:
		return 0
	}
}

// ParseBudgetTier parses a tier name, case-insensitively.
func ParseBudgetTier(s string) (BudgetTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "":
		return BudgetFree, nil
	case "cheap":
		return BudgetCheap, nil
	case "balanced":
		return BudgetBalanced, nil
	case "premium":
		return BudgetPremium, nil
	default:
		return BudgetFree, fmt.Errorf("unknown budget tier %q", s)
	}
}

// ============================================================================
// MODEL TYPES
// ============================================================================

// ModelDescriptor is one catalog row. ID is unique and never changes.
type ModelDescriptor struct {
	ID            string             `toml:"id" json:"id"`
	Name          string             `toml:"name" json:"name"`
	Provider      string             `toml:"provider" json:"provider"`
	Rank          int                `toml:"rank" json:"rank"`
	Score         float64            `toml:"score" json:"score"`
	TaskScores    map[string]float64 `toml:"task_scores" json:"task_scores,omitempty"`
	PriceInput    float64            `toml:"price_input" json:"price_input"`
	PriceOutput   float64            `toml:"price_output" json:"price_output"`
	ContextLength int                `toml:"context_length" json:"context_length"`
	IsFree        bool               `toml:"is_free" json:"is_free"`
}

// FreeAvailability records whether upstream currently serves a free model.
type FreeAvailability struct {
	ModelID     string
	Available   bool
	LastChecked time.Time
}

// Selection is the answer to a BestModel query.
type Selection struct {
	ModelID      string
	Name         string
	OverallScore float64
	TaskScore    float64
}

// Summary is one line of a model listing.
type Summary struct {
	ModelID  string
	Name     string
	Provider string
	Context  string
	Score    float64
}

// ============================================================================
// FALLBACK
// ============================================================================

const (
	// FallbackModelID is the known-good free model used when nothing matches.
	FallbackModelID = "deepseek/deepseek-r1:free"

	fallbackName  = "DeepSeek R1 (Free)"
	fallbackScore = 92.0
)

// Fallback returns the fixed selection used when no row satisfies a query.
func Fallback(task string) Selection {
	taskScore := 90.0
	if task == "coding" {
		taskScore = 95.0
	}
	return Selection{
		ModelID:      FallbackModelID,
		Name:         fallbackName,
		OverallScore: fallbackScore,
		TaskScore:    taskScore,
	}
}

// FormatContext renders a context length to the nearest thousand, e.g. "128K".
func FormatContext(tokens int) string {
	if tokens <= 0 {
		return "?"
	}
	return fmt.Sprintf("%dK", (tokens+500)/1000)
}
