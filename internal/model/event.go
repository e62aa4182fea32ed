// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "encoding/json"

// =============================================================================
// STREAMING EVENTS
// =============================================================================

// EventType tags a streaming event.
type EventType string

const (
	EventToken EventType = "token"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one record of the relay's event stream.
//
//	{"type":"token","content":"He"}
//	{"type":"done","content":"Hello","fromGpu":true,"offline":false}
//	{"type":"error","message":"connection reset"}
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	FromGPU bool      `json:"fromGpu,omitempty"`
	Offline bool      `json:"offline,omitempty"`
	Message string    `json:"message,omitempty"`
}

// TokenEvent carries one incremental unit of text.
func TokenEvent(text string) Event {
	return Event{Type: EventToken, Content: text}
}

// DoneEvent terminates a successful stream with the full text.
func DoneEvent(full string, fromGPU, offline bool) Event {
	return Event{Type: EventDone, Content: full, FromGPU: fromGPU, Offline: offline}
}

// ErrorEvent terminates a failed stream.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// MarshalJSON writes the exact wire shape for each event type so that a
// done event always carries both flags and a token always carries content.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventToken:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventDone:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
			FromGPU bool      `json:"fromGpu"`
			Offline bool      `json:"offline"`
		}{e.Type, e.Content, e.FromGPU, e.Offline})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	default:
		type plain Event
		return json.Marshal(plain(e))
	}
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// =============================================================================
// REPLY
// =============================================================================

// Reply is the single-shot relay answer. Offline replies carry a
// human-readable failure description as Content.
type Reply struct {
	Content string `json:"content"`
	FromGPU bool   `json:"fromGpu"`
	Offline bool   `json:"offline"`
}

// Meta returns the provenance of the reply.
func (r Reply) Meta() Meta {
	return Meta{FromGPU: r.FromGPU, Offline: r.Offline}
}

// =============================================================================
// READINESS
// =============================================================================

// Readiness is the result of one backend probe. It is recomputed on
// every probe and never persisted.
type Readiness struct {
	Reachable  bool   `json:"reachable"`
	ModelReady bool   `json:"modelReady"`
	Error      string `json:"error,omitempty"`
}

// Ready reports whether the backend is reachable and serving the model.
func (r Readiness) Ready() bool {
	return r.Reachable && r.ModelReady
}
