// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the ImageHive HTTP API and static UI server.
//
// # Endpoints
//
//   - GET    /api/health          - GPU status and backend readiness
//   - GET    /api/settings        - Runtime settings (API key masked)
//   - POST   /api/settings        - Update runtime settings
//   - POST   /api/chat            - Chat relay, SSE by default, ?stream=false for JSON
//   - GET    /api/chat/ws         - Chat relay over WebSocket
//   - GET    /api/gallery         - Saved prompts, newest first
//   - POST   /api/gallery         - Save a prompt
//   - DELETE /api/gallery/{id}    - Remove a saved prompt
//   - POST   /api/image/generate  - Render a prompt through the image API
//   - GET    /                    - Static UI with index.html fallback
//
// Errors are JSON objects of the form {"message": "..."}. Request bodies are
// limited to 10MB.
//
// # Middleware
//
// Every request passes through panic recovery, request ids, access logging,
// security headers, CORS, and a per-client token-bucket rate limiter.
//
// # Usage
//
//	srv := server.New(server.Config{Addr: cfg.Addr()}, server.Deps{
//		Relay:    relay.New(backends),
//		Prober:   readiness.NewProber(backends, 0),
//		Settings: settings,
//		Gallery:  gallery,
//	})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
