// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures exchanged between the chat
// client, the relay, and the inference backend.
//
// # Key Types
//
//   - Message: Single transcript entry with role, content, optional images and reply metadata
//   - Transcript: Append-only conversation owned by one client
//   - Event: Tagged streaming event (token, done, error) produced by the relay
//   - Reply: Single-shot relay answer
//   - Readiness: Backend reachability and model availability
//
// # Usage
//
//	t := model.NewTranscript()
//	if err := t.AppendUser("a neon koi pond at dusk", nil); err != nil {
//		return err
//	}
//	reply := relay.Reply(ctx, t.Messages)
//	t.AppendAssistant(reply.Content, reply.Meta())
package model
