// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is the title of a transcript that has not seen a user message.
const DefaultTitle = "New chat"

// titleLength is how many leading characters of the first user message
// become the transcript title.
const titleLength = 42

// ErrEmptyMessage is returned when a user turn carries neither text nor images.
var ErrEmptyMessage = errors.New("message is empty")

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Transcript is the ordered conversation of one client session.
//
// Messages are append-only: exactly one user message per send and one
// assistant message per completed reply. Clear is the only way to remove
// history. The system preamble is never stored here.
type Transcript struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`

	mu sync.RWMutex
}

// NewTranscript creates an empty transcript with a fresh id.
func NewTranscript() *Transcript {
	return &Transcript{
		ID:        "chat-" + uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
	}
}

// AppendUser appends one user turn. An empty text with images is sent as
// "Describe this image".
func (t *Transcript) AppendUser(text string, images []string) error {
	text = strings.TrimSpace(text)
	if text == "" && len(images) == 0 {
		return ErrEmptyMessage
	}
	if text == "" {
		text = "Describe this image"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	msg := Message{Role: RoleUser, Content: text}
	if len(images) > 0 {
		msg.Images = append([]string(nil), images...)
	}
	t.Messages = append(t.Messages, msg)
	t.updateTitle(text)
	return nil
}

// AppendAssistant appends the assistant reply for the latest user turn.
func (t *Transcript) AppendAssistant(content string, meta Meta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, Message{Role: RoleAssistant, Content: content, Meta: &meta})
}

// Clear removes all messages and resets the title.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = []Message{}
	t.Title = DefaultTitle
}

// Snapshot returns a copy of the messages safe to send over the wire.
func (t *Transcript) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.Messages))
	copy(out, t.Messages)
	return out
}

// Len returns the number of stored messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Messages)
}

// updateTitle replaces a placeholder title with the opening of the first
// user message. Caller holds the lock.
func (t *Transcript) updateTitle(text string) {
	if t.Title != DefaultTitle && t.Title != "" && !strings.HasPrefix(t.Title, "Chat ") {
		return
	}
	title := text
	if runes := []rune(title); len(runes) > titleLength {
		title = string(runes[:titleLength])
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	t.Title = title
}
