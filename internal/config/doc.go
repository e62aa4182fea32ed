// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for imagehive.
//
// # Configuration Precedence
//
// Values are resolved in this order, later sources winning:
//   - Built-in defaults
//   - $IMAGEHIVE_CONFIG or ~/.imagehive/config.toml
//   - Environment variables (a .env file in the working directory is loaded
//     first without overriding variables that are already set)
//
// Runtime settings edited from the UI (backend host and model, image API
// key) live in the data directory and override these at runtime; see
// package storage.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	addr := cfg.Addr()
package config
