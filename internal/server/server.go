// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/relay-orchestrator/internal/dispatch"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/telegram"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "telegram-orchestrator"

	// DisplayName is reported by the root endpoint.
	DisplayName = "Telegram Agent Orchestrator"

	// WebhookPath receives Telegram updates.
	WebhookPath = "/telegram/webhook"

	// DefaultMaxBodyBytes caps an inbound update body.
	DefaultMaxBodyBytes int64 = 1 << 20

	// SecretHeader carries the shared webhook secret.
	SecretHeader = "X-Secret-Token"

	// TelegramSecretHeader is the header Telegram sets when a secret_token
	// was given to setWebhook.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Webhook outcome labels for the webhook_updates_total counter.
const (
	StatusQueued      = "queued"
	StatusIgnored     = "ignored"
	StatusDenied      = "denied"
	StatusMalformed   = "malformed"
	StatusTooLarge    = "too_large"
	StatusUnavailable = "unavailable"
)

// =============================================================================
// SERVER
// =============================================================================

// Submitter queues an event for background handling.
type Submitter interface {
	Submit(ev dispatch.Event) error
}

// Options configures a Server.
type Options struct {
	Addr         string
	SecretToken  string
	MaxBodyBytes int64
	RateLimit    float64 // requests per second per client IP; 0 disables limiting
	RateBurst    int
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Server is the webhook HTTP server.
type Server struct {
	opts       Options
	submitter  Submitter
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	limiter    *RateLimiter
	handler    http.Handler
	httpServer *http.Server
	closed     bool
	mu         sync.Mutex
}

// New creates a server that hands accepted updates to submitter.
func New(opts Options, submitter Submitter) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		opts:      opts,
		submitter: submitter,
		logger:    opts.Logger.With().Str("component", "server").Logger(),
		metrics:   opts.Metrics,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
	}
	if opts.RateLimit > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst)
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter, s.logger))
	}
	s.handler = Chain(middlewares...)(mux)
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+WebhookPath, s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start listens on the configured address. It blocks until the server stops
// and returns nil after a clean Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("SERVER_STARTED")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("SERVER_STOPPING")
	return srv.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(SecretHeader)
	if token == "" {
		token = r.Header.Get(TelegramSecretHeader)
	}
	if !ValidateSecret(token, s.opts.SecretToken) {
		s.logger.Warn().Str("ip", GetClientIP(r)).Msg("WEBHOOK_DENIED")
		s.metrics.WebhookUpdate(StatusDenied)
		writeJSON(w, http.StatusForbidden, detail("Invalid secret token"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.WebhookUpdate(StatusTooLarge)
			writeJSON(w, http.StatusRequestEntityTooLarge, detail("Request body too large"))
			return
		}
		s.metrics.WebhookUpdate(StatusMalformed)
		writeJSON(w, http.StatusBadRequest, detail("Could not read request body"))
		return
	}

	in, err := telegram.ParseUpdate(body)
	switch {
	case errors.Is(err, telegram.ErrNoText):
		s.metrics.WebhookUpdate(StatusIgnored)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		s.logger.Warn().Err(err).Msg("WEBHOOK_MALFORMED")
		s.metrics.WebhookUpdate(StatusMalformed)
		writeJSON(w, http.StatusBadRequest, detail("Malformed update"))
		return
	}

	ev := dispatch.NewEvent(in)
	if err := s.submitter.Submit(ev); err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("WEBHOOK_REJECTED")
		s.metrics.WebhookUpdate(StatusUnavailable)
		writeJSON(w, http.StatusServiceUnavailable, detail("Service is shutting down"))
		return
	}

	s.logger.Debug().
		Str("event_id", ev.ID).
		Int("update_id", ev.UpdateID).
		Int64("user_id", ev.UserID).
		Msg("WEBHOOK_QUEUED")
	s.metrics.WebhookUpdate(StatusQueued)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{"POST " + WebhookPath, "GET /health"}
	if s.metrics != nil {
		endpoints = append(endpoints, "GET /metrics")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   DisplayName,
		"endpoints": endpoints,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func detail(msg string) map[string]string {
	return map[string]string{"detail": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
