// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands handles chat directives such as /model and /reset.
//
// # Supported Commands
//
//	/start, /help   - Show the active model, working directory and help
//	/models         - List up to ten available free models
//	/model <id>     - Switch model (clears the conversation)
//	/cwd [path]     - Show or set the working directory
//	/reset          - Clear the conversation
//
// # Usage
//
//	router := commands.NewRouter(store, catalog)
//	reply := router.Handle(ctx, userID, "/model openai/gpt-4o")
//	messenger.Send(ctx, chatID, reply.Text)
//
// Handle never fails for user mistakes. Unknown directives and missing
// arguments produce an informational reply; storage failures produce a
// short error reply with Reply.Err set for logging.
package commands
