// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// Invocation is one parsed directive from one user.
type Invocation struct {
	UserID int64
	Name   string
	Arg    string
}

// HandlerFunc produces the reply text for an invocation. An error means
// the reply could not be produced; the router turns it into an error reply.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

// Command represents a directive that can be executed.
type Command struct {
	// Name is the primary command name without the slash (e.g. "model")
	Name string

	// Aliases are alternative names (e.g. "help")
	Aliases []string

	// Description is shown in help
	Description string

	// Usage shows argument syntax (e.g. "/model <name>")
	Usage string

	// Handler executes the command
	Handler HandlerFunc

	// Hidden commands don't appear in help
	Hidden bool
}

// =============================================================================
// COMMAND REGISTRY
// =============================================================================

// Registry holds all registered commands.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]*Command
	order    []*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]*Command),
	}
}

// Register adds a command to the registry.
func (r *Registry) Register(cmd *Command) {
	if _, exists := r.commands[cmd.Name]; !exists {
		r.order = append(r.order, cmd)
	}
	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[alias] = cmd
	}
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) *Command {
	if cmd, ok := r.commands[name]; ok {
		return cmd
	}
	if cmd, ok := r.aliases[name]; ok {
		return cmd
	}
	return nil
}

// All returns the registered commands in registration order.
func (r *Registry) All() []*Command {
	cmds := make([]*Command, 0, len(r.order))
	for _, cmd := range r.order {
		cmds = append(cmds, r.commands[cmd.Name])
	}
	return cmds
}
