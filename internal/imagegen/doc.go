// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package imagegen renders crafted prompts through the remote image API.
//
// Prompt payloads are loose: a JSON object with "prompt" (or "text" or
// "description"), a string containing such an object, or plain text.
// NormalizePrompt reduces all of them to one Prompt before the request is
// built.
package imagegen
