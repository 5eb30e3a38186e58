// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultModels are inserted on first open so a fresh install has a usable
// free model before the first sync.
func DefaultModels() []ModelDescriptor {
	return []ModelDescriptor{
		{
			ID: "deepseek/deepseek-r1:free", Name: "DeepSeek R1", Provider: "DeepSeek",
			Rank: 5, Score: 92, ContextLength: 64000, IsFree: true,
			TaskScores: map[string]float64{"coding": 95, "reasoning": 90},
		},
		{
			ID: "google/gemini-2.0-flash-exp:free", Name: "Gemini 2.0 Flash", Provider: "Google",
			Rank: 8, Score: 88, ContextLength: 1000000, IsFree: true,
			TaskScores: map[string]float64{"coding": 85, "reasoning": 88},
		},
		{
			ID: "nousresearch/hermes-3-llama-3.1-405b:free", Name: "Hermes 3 405B", Provider: "NousResearch",
			Rank: 12, Score: 85, ContextLength: 128000, IsFree: true,
			TaskScores: map[string]float64{"coding": 90, "reasoning": 87},
		},
	}
}

// seedFile is the on-disk layout of a curated model list:
//
//	[[model]]
//	id = "anthropic/claude-3.5-sonnet"
//	name = "Claude 3.5 Sonnet"
//	rank = 3
//	price_input = 3.0
type seedFile struct {
	Models []ModelDescriptor `toml:"model"`
}

// LoadSeedFile reads curated descriptors from a TOML file.
func LoadSeedFile(path string) ([]ModelDescriptor, error) {
	var f seedFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode seed file %s: %w", path, err)
	}
	for i, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("seed file %s: model %d has no id", path, i)
		}
		if m.Name == "" {
			f.Models[i].Name = m.ID
		}
	}
	return f.Models, nil
}

// ApplySeedFile upserts the descriptors in path and returns how many it read.
func (c *Catalog) ApplySeedFile(ctx context.Context, path string) (int, error) {
	models, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	if err := c.Upsert(ctx, models...); err != nil {
		return 0, err
	}
	c.logger.Info().Str("path", path).Int("models", len(models)).Msg("CATALOG_SEEDED")
	return len(models), nil
}
