// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline guards outbound connections.
//
// Backend host URLs must always be http or https. In local-only mode the
// backend must also live on this machine or the private network, and remote
// services such as the hosted image API are refused before any request is
// made.
//
// # Key Types
//
//   - Guard: Local-only switch with URL and remote-service checks
//
// # Usage
//
//	guard := offline.NewGuard(cfg.Server.LocalOnly)
//	if err := guard.ValidateBackendURL(host); err != nil {
//		return err
//	}
//	if err := guard.CheckRemote("image generation"); err != nil {
//		return err
//	}
package offline
