// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry sets up logging, tracing, and metrics for imagehive.
//
// NewLogger builds the slog logger (rotating JSON file or stderr). Init
// builds OpenTelemetry tracer and meter providers that export to a rotating
// file; when telemetry is disabled the returned Providers are empty and
// instrumented components run unwrapped.
//
// # Usage
//
//	logger, closer, err := telemetry.NewLogger(cfg.Logging)
//	defer closer.Close()
//	slog.SetDefault(logger)
//
//	providers, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Logging, version)
//	defer providers.Shutdown()
package telemetry
