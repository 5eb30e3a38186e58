// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads orchestrator settings.
//
// # Configuration Precedence
//
// Highest first:
//   - Environment variables (TELEGRAM_TOKEN, SECRET_TOKEN, OPENROUTER_API_KEY, ORCH_*)
//   - A .env file in the working directory
//   - The TOML file passed with --config (orchestrator.toml by default)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
