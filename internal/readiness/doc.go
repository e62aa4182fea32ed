// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package readiness reports whether the local backend can serve the
// configured model.
//
// A probe lists the backend's models under a short timeout. The backend is
// reachable when the listing succeeds and the model is ready when one of the
// listed identifiers equals the configured name or ends with "/"+name.
//
// # Key Types
//
//   - Prober: One bounded probe per call
//   - Handshake: Startup poll loop with fixed backoff and an overall timeout
//
// # Usage
//
//	prober := readiness.NewProber(source, 2*time.Second)
//	hs := &readiness.Handshake{Prober: prober, Interval: time.Second, Timeout: 30 * time.Second}
//	if _, err := hs.Wait(ctx); errors.Is(err, readiness.ErrNotReady) {
//		// fail startup unless offline mode is allowed
//	}
package readiness
