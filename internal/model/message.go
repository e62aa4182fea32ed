// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "ImageHive"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Meta records where an assistant reply came from.
type Meta struct {
	FromGPU bool `json:"fromGpu"`
	Offline bool `json:"offline"`
}

// Footnote returns the short provenance label shown under a reply,
// e.g. "GPU · Local" or "CPU · Offline".
func (m Meta) Footnote() string {
	accel := "CPU"
	if m.FromGPU {
		accel = "GPU"
	}
	source := "Local"
	if m.Offline {
		source = "Offline"
	}
	return accel + " · " + source
}

// Message is a single transcript entry. Images hold data URLs or remote
// URLs attached to a user turn.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
	Meta    *Meta    `json:"meta,omitempty"`
}

// Validate checks the role of a message received from a client.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q: must be one of system, user, assistant", m.Role)
	}
	return nil
}

// ValidateMessages validates every message and reports the first bad index.
func ValidateMessages(messages []Message) error {
	for i, msg := range messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// WithoutSystem returns messages with every system-role entry removed.
// The relay injects its own preamble, so client-supplied system turns are dropped.
func WithoutSystem(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}
