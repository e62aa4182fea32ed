// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference talks to the local chat-completion server.
//
// Every wire dialect hides behind the Backend interface so that the relay and
// the readiness prober never see request or chunk formats. Two dialects are
// supported:
//
//   - DialectOpenAI: /v1/chat/completions and /v1/models (vLLM, llama.cpp,
//     LM Studio, Ollama's compatibility layer)
//   - DialectOllama: Ollama's native /api/chat (NDJSON) and /api/tags
//
// # Key Types
//
//   - Backend: Chat, Stream, and ListModels over one dialect
//   - Config: Host, model, dialect, temperature, timeouts
//   - Error: Typed client error with an ErrorType for handling
//   - StreamReader: Line-buffered chunk reader shared by both dialects
//
// # Usage
//
//	backend, err := inference.New(inference.Config{
//		BaseURL: "http://127.0.0.1:8000",
//		Model:   "Qwen2.5-VL-3B-Instruct",
//	})
//	if err != nil {
//		return err
//	}
//	err = backend.Stream(ctx, messages, func(delta string) error {
//		fmt.Print(delta)
//		return nil
//	})
package inference
