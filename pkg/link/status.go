// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package link holds the shared primitives of the two link adapters:
// connection health tracking and the reconnect schedule. Each adapter owns
// one Tracker and is its only writer; everything else reads snapshots.
package link

import (
	"sync"
	"time"
)

// State describes where a link is in its connect/reconnect cycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Health is a point-in-time snapshot of one link's condition.
type Health struct {
	State State
	// ConsecutiveFailures counts failed connect cycles since the last
	// successful connection.
	ConsecutiveFailures int
	// NextRetry is when the next connect attempt is due. Zero unless the
	// state is StateBackoff.
	NextRetry time.Time
	// ConnectedSince is when the current connection was established. Zero
	// unless the state is StateConnected.
	ConnectedSince time.Time
}

// Tracker records the health of one link. The owning adapter is the only
// writer; Snapshot may be called from any goroutine.
type Tracker struct {
	mu       sync.Mutex
	health   Health
	onChange func(old, new State)
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// SetOnChange registers a callback invoked after every state transition,
// outside the tracker's lock. Must be set before the owning adapter starts.
func (t *Tracker) SetOnChange(fn func(old, new State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Connecting marks the start of a connect attempt.
func (t *Tracker) Connecting() {
	t.transition(func(h *Health) {
		h.State = StateConnecting
		h.NextRetry = time.Time{}
	})
}

// Connected marks a successful connection and resets the failure count.
func (t *Tracker) Connected() {
	t.transition(func(h *Health) {
		h.State = StateConnected
		h.ConsecutiveFailures = 0
		h.NextRetry = time.Time{}
		h.ConnectedSince = time.Now()
	})
}

// Failed records a failed connect cycle and the deadline for the next retry.
func (t *Tracker) Failed(nextRetry time.Time) {
	t.transition(func(h *Health) {
		h.State = StateBackoff
		h.ConsecutiveFailures++
		h.NextRetry = nextRetry
		h.ConnectedSince = time.Time{}
	})
}

// Disconnected marks a deliberate shutdown of the link.
func (t *Tracker) Disconnected() {
	t.transition(func(h *Health) {
		h.State = StateDisconnected
		h.NextRetry = time.Time{}
		h.ConnectedSince = time.Time{}
	})
}

// Snapshot returns a copy of the current health.
func (t *Tracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

func (t *Tracker) transition(apply func(*Health)) {
	t.mu.Lock()
	old := t.health.State
	apply(&t.health)
	now := t.health.State
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil && old != now {
		fn(old, now)
	}
}
