// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the imagehive command line.
//
// # Commands
//
//   - serve: start the web app (default)
//   - probe: check the inference backend once, or --wait for it
//   - chat: interactive REPL against a running server
//   - status: server, GPU, and backend status
//   - sessions: list, show, delete, or export saved transcripts
//   - config: print the effective configuration
//   - version, help
//
// # Usage
//
//	os.Exit(cli.Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
//
// Handlers return errors; Run displays them and maps them to exit codes
// with GetExitCode.
package cli
