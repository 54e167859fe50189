// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aiku/meshtastic-mattermost/pkg/meshlink"
)

// Node is the registry's view of one mesh participant, accumulated across
// everything the radio has reported about it.
type Node struct {
	ID        uint32
	LongName  string
	ShortName string
	HwModel   string
	Signal    meshlink.SignalQuality
	Telemetry *meshlink.TelemetrySnapshot
	LastSeen  time.Time
}

// DisplayName picks the friendliest available label: long name, then short
// name, then the hex node id.
func (n Node) DisplayName() string {
	switch {
	case n.LongName != "":
		return n.LongName
	case n.ShortName != "":
		return n.ShortName
	default:
		return fmt.Sprintf("!%08x", n.ID)
	}
}

// Registry tracks every node the radio has mentioned, keyed by node id. All
// methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uint32]*Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[uint32]*Node)}
}

// Observe folds one inbound event into the registry. Every event is a
// sighting and advances LastSeen; identity, signal, and telemetry update
// only from events that carry them.
func (r *Registry) Observe(evt meshlink.Event) {
	if evt.NodeID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodes[evt.NodeID]
	if n == nil {
		n = &Node{ID: evt.NodeID}
		r.nodes[evt.NodeID] = n
	}
	if evt.ReceivedAt.After(n.LastSeen) {
		n.LastSeen = evt.ReceivedAt
	}
	if evt.Signal != (meshlink.SignalQuality{}) {
		n.Signal = evt.Signal
	}
	if evt.User != nil {
		if evt.User.LongName != "" {
			n.LongName = evt.User.LongName
		}
		if evt.User.ShortName != "" {
			n.ShortName = evt.User.ShortName
		}
		if evt.User.HwModel != "" {
			n.HwModel = evt.User.HwModel
		}
	}
	if evt.Telemetry != nil {
		n.Telemetry = evt.Telemetry
	}
}

// Get returns a copy of the node, if known.
func (r *Registry) Get(id uint32) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len reports how many nodes are known.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns up to limit nodes, most recently seen first. Ties break
// on ascending id so the order is stable. limit <= 0 means no limit.
func (r *Registry) Snapshot(limit int) []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
