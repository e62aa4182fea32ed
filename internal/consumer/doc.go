// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package consumer is the client side of the chat API.
//
// A send first reads the streaming endpoint, rendering tokens as they
// arrive. Any failure on that path (transport error, bad status, error
// event, unparseable record) triggers exactly one request to the
// non-streaming endpoint with the same transcript. Only when both fail is
// an error shown to the user.
//
// # State Machine
//
//	Idle -> Streaming -> Completed
//	                  -> StreamFailed -> FallbackRequested -> Completed
//	                                                       -> DoubleFailed
//
// # Key Types
//
//   - Client: Send, Health, WaitReady
//   - Outcome: Final text, provenance, and the state path taken
//   - SendError: Combined error when both paths fail
//
// # Usage
//
//	c := consumer.New("http://127.0.0.1:3000")
//	t := model.NewTranscript()
//	out, err := c.Send(ctx, t, "a koi pond at night", nil, func(tok string) {
//		fmt.Print(tok)
//	})
package consumer
