// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package consumer

import (
	"fmt"
	"slices"
	"strings"
)

// =============================================================================
// SEND STATE MACHINE
// =============================================================================

// State is the phase of one send.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateStreamFailed
	StateFallbackRequested
	StateDoubleFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStreaming:
		return "Streaming"
	case StateCompleted:
		return "Completed"
	case StateStreamFailed:
		return "StreamFailed"
	case StateFallbackRequested:
		return "FallbackRequested"
	case StateDoubleFailed:
		return "DoubleFailed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDoubleFailed
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:              {StateStreaming},
	StateStreaming:         {StateCompleted, StateStreamFailed},
	StateStreamFailed:      {StateFallbackRequested},
	StateFallbackRequested: {StateCompleted, StateDoubleFailed},
}

// machine tracks the current state and the path taken.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, path: []State{StateIdle}}
}

// to moves to next, rejecting transitions not in the table.
func (m *machine) to(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.path = append(m.path, next)
	return nil
}

// Path is the sequence of states one send went through.
type Path []State

// String renders the path as "Idle -> Streaming -> Completed".
func (p Path) String() string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.String()
	}
	return strings.Join(names, " -> ")
}
