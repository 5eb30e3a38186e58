// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelsync refreshes the catalog's free-availability set from the
// upstream model list.
package modelsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/relay-orchestrator/internal/catalog"
	"github.com/jeranaias/relay-orchestrator/internal/cloud"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
)

// DiscoveredRank places newly seen free models after every curated one.
const DiscoveredRank = 100

// Lister fetches the upstream model list.
type Lister interface {
	ListModels(ctx context.Context) ([]cloud.ModelInfo, error)
}

// Catalog is the part of the catalog a sync writes to.
type Catalog interface {
	AddIfMissing(ctx context.Context, models ...catalog.ModelDescriptor) (int, error)
	RefreshFreeAvailability(ctx context.Context, ids []string) (catalog.RefreshResult, error)
}

// Result summarises one sync.
type Result struct {
	Fetched   int      // models listed upstream
	Free      int      // of which free
	Added     int      // free models new to the catalog
	Available int      // ids marked available
	Skipped   []string // free ids the catalog could not mark
	FreeIDs   []string // in upstream order
}

// Syncer runs model syncs. Concurrent Runs are safe; the catalog swap is
// atomic, so the last one to commit wins.
type Syncer struct {
	lister  Lister
	catalog Catalog
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a Syncer.
func New(lister Lister, cat Catalog) *Syncer {
	return &Syncer{lister: lister, catalog: cat, logger: zerolog.Nop()}
}

// WithLogger sets the logger.
func (s *Syncer) WithLogger(logger zerolog.Logger) *Syncer {
	s.logger = logger
	return s
}

// WithMetrics sets the metrics sink.
func (s *Syncer) WithMetrics(m *metrics.Metrics) *Syncer {
	s.metrics = m
	return s
}

// Run fetches the upstream list, records unseen free models and replaces
// the availability set with the free ids. A listing failure leaves the
// catalog untouched.
func (s *Syncer) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	models, err := s.lister.ListModels(ctx)
	if err != nil {
		s.metrics.CatalogRefresh("error", 0)
		return Result{}, fmt.Errorf("list upstream models: %w", err)
	}

	res := Result{Fetched: len(models)}
	var discovered []catalog.ModelDescriptor
	for _, m := range models {
		if !m.IsFree() {
			continue
		}
		res.FreeIDs = append(res.FreeIDs, m.ID)
		discovered = append(discovered, Descriptor(m))
	}
	res.Free = len(res.FreeIDs)

	added, err := s.catalog.AddIfMissing(ctx, discovered...)
	if err != nil {
		s.metrics.CatalogRefresh("error", 0)
		return res, fmt.Errorf("record discovered models: %w", err)
	}
	res.Added = added

	refreshed, err := s.catalog.RefreshFreeAvailability(ctx, res.FreeIDs)
	if err != nil {
		s.metrics.CatalogRefresh("error", 0)
		return res, fmt.Errorf("refresh availability: %w", err)
	}
	res.Available = refreshed.Available
	res.Skipped = refreshed.Skipped

	s.metrics.CatalogRefresh("ok", res.Available)
	s.logger.Info().
		Int("fetched", res.Fetched).
		Int("free", res.Free).
		Int("added", res.Added).
		Int("available", res.Available).
		Dur("duration", time.Since(start)).
		Msg("MODEL_SYNC_DONE")
	return res, nil
}

// Descriptor converts an upstream free model into a catalog row.
func Descriptor(m cloud.ModelInfo) catalog.ModelDescriptor {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return catalog.ModelDescriptor{
		ID:            m.ID,
		Name:          name,
		Provider:      m.Provider(),
		Rank:          DiscoveredRank,
		ContextLength: m.ContextSize,
		PriceInput:    m.PricePerMillion(),
		PriceOutput:   perMillion(m.Pricing.Completion),
		IsFree:        true,
	}
}

func perMillion(price string) float64 {
	return cloud.ModelInfo{Pricing: cloud.Pricing{Prompt: price}}.PricePerMillion()
}
