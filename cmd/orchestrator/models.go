// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/relay-orchestrator/internal/catalog"
	"github.com/jeranaias/relay-orchestrator/internal/cloud"
	"github.com/jeranaias/relay-orchestrator/internal/config"
	"github.com/jeranaias/relay-orchestrator/internal/logging"
	"github.com/jeranaias/relay-orchestrator/internal/modelsync"
)

// syncPreviewCount is how many free model ids sync-models prints.
const syncPreviewCount = 10

var (
	modelsAll        bool
	modelsTask       string
	modelsTier       string
	modelsMinContext int
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models in the catalog",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

var bestCmd = &cobra.Command{
	Use:   "best",
	Short: "Show the best catalog model for a task and budget tier",
	Args:  cobra.NoArgs,
	RunE:  runBest,
}

var syncModelsCmd = &cobra.Command{
	Use:   "sync-models",
	Short: "Fetch free models from OpenRouter and refresh catalog availability",
	Args:  cobra.NoArgs,
	RunE:  runSyncModels,
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsAll, "all", false, "include paid and unavailable models")

	bestCmd.Flags().StringVar(&modelsTask, "task", "coding", "task to score models for")
	bestCmd.Flags().StringVar(&modelsTier, "tier", "free", "budget tier (free, cheap, balanced, premium)")
	bestCmd.Flags().IntVar(&modelsMinContext, "min-context", 0, "minimum context window in tokens")
	modelsCmd.AddCommand(bestCmd)
}

func openCatalog(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*catalog.Catalog, error) {
	cat, err := catalog.Open(ctx, cfg.Catalog.DBPath, logging.Component(logger, "catalog"))
	if err != nil {
		return nil, err
	}
	if cfg.Catalog.SeedFile != "" {
		if _, err := cat.ApplySeedFile(ctx, cfg.Catalog.SeedFile); err != nil {
			cat.Close()
			return nil, err
		}
	}
	return cat, nil
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	models, err := cat.ListAvailable(ctx, !modelsAll)
	if err != nil {
		return err
	}
	return printModels(cmd.OutOrStdout(), models)
}

func printModels(w io.Writer, models []catalog.Summary) error {
	if len(models) == 0 {
		_, err := fmt.Fprintln(w, "No models available.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tNAME\tPROVIDER\tCONTEXT\tSCORE")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0f\n", m.ModelID, m.Name, m.Provider, m.Context, m.Score)
	}
	return tw.Flush()
}

func runBest(cmd *cobra.Command, args []string) error {
	tier, err := catalog.ParseBudgetTier(modelsTier)
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	sel, err := cat.BestModel(ctx, modelsTask, tier, modelsMinContext)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n  overall score: %.0f\n  %s score: %.0f\n",
		sel.ModelID, sel.Name, sel.OverallScore, modelsTask, sel.TaskScore)
	return nil
}

func runSyncModels(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	syncer := modelsync.New(newCloudClient(cfg, logger), cat).
		WithLogger(logging.Component(logger, "modelsync"))
	res, err := syncer.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Fetched %d models, %d free (%d new, %d skipped)\n", res.Fetched, res.Free, res.Added, len(res.Skipped))
	preview := res.FreeIDs
	if len(preview) > syncPreviewCount {
		preview = preview[:syncPreviewCount]
	}
	for _, id := range preview {
		fmt.Fprintf(out, "  %s\n", id)
	}
	if extra := len(res.FreeIDs) - len(preview); extra > 0 {
		fmt.Fprintf(out, "  ... and %d more\n", extra)
	}
	return nil
}

func newCloudClient(cfg *config.Config, logger zerolog.Logger) *cloud.OpenRouterClient {
	return cloud.NewOpenRouterClient(cfg.OpenRouter.APIKey).
		WithBaseURL(cfg.OpenRouter.BaseURL).
		WithTimeout(cfg.OpenRouter.Timeout()).
		WithSiteURL(cfg.OpenRouter.SiteURL).
		WithSiteName(cfg.OpenRouter.SiteName).
		WithLogger(logging.Component(logger, "openrouter"))
}
