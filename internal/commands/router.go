// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/relay-orchestrator/internal/catalog"
	"github.com/jeranaias/relay-orchestrator/internal/metrics"
	"github.com/jeranaias/relay-orchestrator/internal/session"
)

// ModelListLimit caps the /models reply.
const ModelListLimit = 10

// Sessions is the part of the session store the router needs.
type Sessions interface {
	Load(ctx context.Context, userID int64) (*session.UserSession, error)
	SwitchModel(ctx context.Context, userID int64, modelID string) (*session.UserSession, error)
	SetWorkingContext(ctx context.Context, userID int64, value string) (*session.UserSession, error)
	ResetConversation(ctx context.Context, userID int64) (*session.UserSession, error)
}

// Models lists catalog entries.
type Models interface {
	ListAvailable(ctx context.Context, freeOnly bool) ([]catalog.Summary, error)
}

// Reply is the outcome of one directive.
type Reply struct {
	Command string // resolved command name, or the unknown name as typed
	Text    string
	Err     error // set when Text is an error reply
}

// Router dispatches directives to their handlers.
type Router struct {
	registry *Registry
	sessions Sessions
	models   Models
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRouter creates a router with the built-in commands registered.
func NewRouter(sessions Sessions, models Models) *Router {
	r := &Router{
		registry: NewRegistry(),
		sessions: sessions,
		models:   models,
		logger:   zerolog.Nop(),
	}
	r.registerBuiltins()
	return r
}

// WithLogger sets the logger.
func (r *Router) WithLogger(logger zerolog.Logger) *Router {
	r.logger = logger
	return r
}

// WithMetrics sets the metrics sink.
func (r *Router) WithMetrics(m *metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// Registry exposes the command registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Handle runs the directive in text for userID and returns the reply.
// Text that is not a directive yields an empty reply.
func (r *Router) Handle(ctx context.Context, userID int64, text string) Reply {
	parsed := Parse(text)
	if !parsed.IsCommand {
		return Reply{}
	}

	cmd := r.registry.Get(parsed.Name)
	if cmd == nil {
		r.metrics.Command("unknown")
		return Reply{Command: parsed.Name, Text: "Unknown command: /" + parsed.Name}
	}
	r.metrics.Command(cmd.Name)

	reply, err := cmd.Handler(ctx, Invocation{UserID: userID, Name: cmd.Name, Arg: parsed.Arg})
	if err != nil {
		r.logger.Error().Err(err).Int64("user_id", userID).Str("command", cmd.Name).Msg("COMMAND_FAILED")
		return Reply{Command: cmd.Name, Text: "❌ Error: " + err.Error(), Err: err}
	}
	return Reply{Command: cmd.Name, Text: reply}
}

// =============================================================================
// BUILT-IN COMMANDS
// =============================================================================

func (r *Router) registerBuiltins() {
	r.registry.Register(&Command{
		Name:        "start",
		Aliases:     []string{"help"},
		Description: "Show current setup and commands",
		Usage:       "/start",
		Handler:     r.handleStart,
		Hidden:      true,
	})
	r.registry.Register(&Command{
		Name:        "models",
		Description: "List available models",
		Usage:       "/models",
		Handler:     r.handleModels,
	})
	r.registry.Register(&Command{
		Name:        "model",
		Description: "Switch model",
		Usage:       "/model <name>",
		Handler:     r.handleModel,
	})
	r.registry.Register(&Command{
		Name:        "cwd",
		Description: "Set working directory",
		Usage:       "/cwd <path>",
		Handler:     r.handleCwd,
	})
	r.registry.Register(&Command{
		Name:        "reset",
		Description: "Clear conversation",
		Usage:       "/reset",
		Handler:     r.handleReset,
	})
}

func (r *Router) handleStart(ctx context.Context, inv Invocation) (string, error) {
	sess, err := r.sessions.Load(ctx, inv.UserID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("🤖 *Telegram Coding Agent*\n\n")
	b.WriteString("*Current setup:*\n")
	fmt.Fprintf(&b, "• Model: `%s`\n", sess.Model)
	fmt.Fprintf(&b, "• Working dir: `%s`\n\n", sess.WorkingContext)
	b.WriteString("*Commands:*\n")
	for _, cmd := range r.registry.All() {
		if cmd.Hidden {
			continue
		}
		fmt.Fprintf(&b, "%s - %s\n", cmd.Usage, cmd.Description)
	}
	b.WriteString("\nJust send me a message to start coding!")
	return b.String(), nil
}

func (r *Router) handleModels(ctx context.Context, inv Invocation) (string, error) {
	models, err := r.models.ListAvailable(ctx, true)
	if err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "No free models are available right now.", nil
	}
	if len(models) > ModelListLimit {
		models = models[:ModelListLimit]
	}

	var b strings.Builder
	b.WriteString("*Available FREE models:*\n\n")
	for _, m := range models {
		fmt.Fprintf(&b, "• `%s`\n  %s (%s context, score: %s)\n\n",
			m.ModelID, m.Name, m.Context, strconv.FormatFloat(m.Score, 'f', -1, 64))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) handleModel(ctx context.Context, inv Invocation) (string, error) {
	if inv.Arg == "" {
		return "Usage: /model <model_id>", nil
	}
	if _, err := r.sessions.SwitchModel(ctx, inv.UserID, inv.Arg); err != nil {
		return "", err
	}
	r.logger.Info().Int64("user_id", inv.UserID).Str("model", inv.Arg).Msg("MODEL_SWITCHED")
	return fmt.Sprintf("✅ Switched to `%s`\n\nConversation reset.", inv.Arg), nil
}

func (r *Router) handleCwd(ctx context.Context, inv Invocation) (string, error) {
	if inv.Arg == "" {
		sess, err := r.sessions.Load(ctx, inv.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Current directory: `%s`", sess.WorkingContext), nil
	}
	if _, err := r.sessions.SetWorkingContext(ctx, inv.UserID, inv.Arg); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Working directory set to: `%s`", inv.Arg), nil
}

func (r *Router) handleReset(ctx context.Context, inv Invocation) (string, error) {
	if _, err := r.sessions.ResetConversation(ctx, inv.UserID); err != nil {
		return "", err
	}
	return "✅ Conversation cleared", nil
}
