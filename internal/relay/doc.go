// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards chat transcripts to the local inference backend.
//
// The relay is stateless between requests. For every call it resolves the
// current backend, drops any client-supplied system messages, prepends the
// fixed preamble, and either returns one reply or emits a stream of events.
//
// # Key Types
//
//   - Relay: Reply (single shot) and Stream (token events plus one terminal event)
//   - EmitFunc: Callback receiving each streamed event
//
// # Failure Handling
//
// Reply never fails: backend errors become an offline reply whose content
// describes the problem. Stream ends with exactly one error event instead
// of a done event.
//
// # Usage
//
//	r := relay.New(source, relay.WithGPUFlag(detect.Default().Available))
//	final := r.Stream(ctx, messages, func(ev model.Event) error {
//		return writeSSE(w, ev)
//	})
package relay
