// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jeranaias/relay-orchestrator/internal/catalog"
	"github.com/jeranaias/relay-orchestrator/internal/commands"
	"github.com/jeranaias/relay-orchestrator/internal/config"
	"github.com/jeranaias/relay-orchestrator/internal/dispatch"
	"github.com/jeranaias/relay-orchestrator/internal/logging"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/modelsync"
	"github.com/jeranaias/relay-orchestrator/internal/relay"
	"github.com/jeranaias/relay-orchestrator/internal/scheduler"
	"github.com/jeranaias/relay-orchestrator/internal/server"
	"github.com/jeranaias/relay-orchestrator/internal/session"
	"github.com/jeranaias/relay-orchestrator/internal/telegram"
	"github.com/jeranaias/relay-orchestrator/internal/userlock"
)

// shutdownGrace bounds how long in-flight replies may keep streaming after a
// stop signal.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (webhook server or long polling)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if cfg.Telegram.Mode == config.ModeWebhook && cfg.InsecureSecret() {
		logger.Warn().Msg("WEBHOOK_SECRET_INSECURE: set server.secret_token or SECRET_TOKEN")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	sessions, err := session.NewStore(session.Config{
		Dir:            cfg.Session.Dir,
		HistoryLimit:   cfg.Session.HistoryLimit,
		DefaultContext: cfg.Session.DefaultContext,
		DefaultModel:   catalog.FallbackModelID,
		Locker:         locker,
	})
	if err != nil {
		return err
	}

	client := newCloudClient(cfg, logger)
	logger.Info().
		Str("key", client.KeyFingerprint()).
		Bool("free_tier_key", client.UsingFreeTierKey()).
		Msg("OPENROUTER_CONFIGURED")

	msgr, err := telegram.NewMessenger(cfg.Telegram.Token, telegram.Options{
		APIEndpoint: cfg.Telegram.APIEndpoint,
		ParseMode:   cfg.Telegram.ParseMode,
		Logger:      logging.Component(logger, "telegram"),
	})
	if err != nil {
		return err
	}

	engine := relay.NewEngine(relay.Config{
		FlushEvery:       cfg.Relay.FlushEvery,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		EditRate:         rate.Limit(cfg.Relay.EditsPerSecond),
		EditBurst:        cfg.Relay.EditBurst,
		StreamTimeout:    cfg.Relay.StreamTimeout(),
		SystemPrompt:     cfg.Relay.SystemPrompt,
	}, client, msgr, sessions).
		WithLogger(logging.Component(logger, "relay")).
		WithMetrics(m)

	router := commands.NewRouter(sessions, cat).
		WithLogger(logging.Component(logger, "commands")).
		WithMetrics(m)

	dispatcher := dispatch.NewDispatcher(locker, router, engine, msgr).
		WithLogger(logging.Component(logger, "dispatch"))

	runner := dispatch.NewRunner(dispatcher.Handle, cfg.Dispatch.MaxConcurrent, cfg.Dispatch.EventTimeout()).
		WithLogger(logging.Component(logger, "runner")).
		WithMetrics(m)

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Telegram.Mode {
	case config.ModePolling:
		poller := msgr.NewPoller(cfg.Telegram.PollTimeout, func(in telegram.Inbound) {
			if err := runner.Submit(dispatch.NewEvent(in)); err != nil {
				logger.Warn().Err(err).Int("update_id", in.UpdateID).Msg("UPDATE_DROPPED")
			}
		})
		g.Go(func() error { return poller.Run(gctx) })
	default:
		srv := server.New(server.Options{
			Addr:         cfg.Server.ListenAddr,
			SecretToken:  cfg.Server.SecretToken,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			RateLimit:    cfg.Server.RateLimitPerSec,
			RateBurst:    cfg.Server.RateLimitBurst,
			Logger:       logger,
			Metrics:      m,
		}, runner)
		g.Go(func() error { return srv.Run(gctx, 10*time.Second) })
	}

	if cfg.Sync.Enabled {
		sched := scheduler.New(logging.Component(logger, "scheduler"), 5*time.Minute)
		syncer := modelsync.New(client, cat).
			WithLogger(logging.Component(logger, "modelsync")).
			WithMetrics(m)
		if err := sched.Add("free-model-sync", cfg.Sync.Schedule, func(ctx context.Context) error {
			_, err := syncer.Run(ctx)
			return err
		}); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Catalog.WatchSeed && cfg.Catalog.SeedFile != "" {
		watcher, err := catalog.NewSeedWatcher(cat, cfg.Catalog.SeedFile, 0)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.Info().
		Str("mode", cfg.Telegram.Mode).
		Str("lock", cfg.Lock.Backend).
		Str("version", Version).
		Msg("ORCHESTRATOR_STARTED")

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("RUNNER_FORCED_STOP")
	}
	logger.Info().Msg("ORCHESTRATOR_STOPPED")
	return runErr
}

// newLocker builds the per-user lock backend and its cleanup.
func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (userlock.Locker, func(), error) {
	if cfg.Lock.Backend != config.LockRedis {
		return userlock.NewMemoryLocker(), func() {}, nil
	}
	rl, err := userlock.NewRedisLocker(ctx, userlock.RedisOptions{
		Addr: cfg.Lock.RedisAddr,
		DB:   cfg.Lock.RedisDB,
		TTL:  cfg.Lock.TTL(),
	}, logging.Component(logger, "userlock"))
	if err != nil {
		return nil, nil, err
	}
	return rl, func() { _ = rl.Close() }, nil
}
