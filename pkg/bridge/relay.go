// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-mattermost/pkg/chatlink"
	"github.com/aiku/meshtastic-mattermost/pkg/link"
	"github.com/aiku/meshtastic-mattermost/pkg/meshlink"
)

const (
	defaultQueueSize  = 64
	defaultNodesLimit = 25
)

// meshSender is the radio side of the relay.
type meshSender interface {
	Send(text string, dest uint32) error
	LocalNodeID() uint32
	Health() link.Health
}

// chatPoster is the chat side of the relay.
type chatPoster interface {
	PostMarkdown(text string) error
	Health() link.Health
}

// RelayConfig bounds the relay's queue and listings.
type RelayConfig struct {
	// QueueSize caps how many mesh events may wait for chat delivery. When
	// the queue is full the oldest event is dropped.
	QueueSize int `yaml:"queue_size"`
	// NodesLimit caps how many entries a nodes listing shows.
	NodesLimit int `yaml:"nodes_limit"`
}

// Relay moves traffic between the two links. Inbound mesh events feed the
// node registry and, for text and telemetry, a bounded queue that a single
// goroutine drains into chat. Chat commands are answered inline.
type Relay struct {
	cfg    RelayConfig
	prefix string
	log    zerolog.Logger
	reg    *Registry
	mesh   meshSender
	chat   chatPoster

	queue   chan meshlink.Event
	dropped atomic.Uint64

	// meshWasUp is only touched from the mesh link's state callback.
	meshWasUp bool

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewRelay(cfg RelayConfig, prefix string, mesh meshSender, chat chatPoster, logger zerolog.Logger) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.NodesLimit <= 0 {
		cfg.NodesLimit = defaultNodesLimit
	}
	return &Relay{
		cfg:      cfg,
		prefix:   prefix,
		log:      logger.With().Str("component", "relay").Logger(),
		reg:      NewRegistry(),
		mesh:     mesh,
		chat:     chat,
		queue:    make(chan meshlink.Event, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Registry exposes the node registry for inspection.
func (r *Relay) Registry() *Registry {
	return r.reg
}

// Start launches the delivery goroutine.
func (r *Relay) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pump()
	}()
}

// Stop halts delivery. Events still queued are abandoned.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

// HandleMeshEvent accepts one inbound radio event. It never blocks: the
// registry update is a map write and the queue sheds its oldest entry when
// full. Only text and telemetry are forwarded to chat; everything else is
// registry-only.
func (r *Relay) HandleMeshEvent(evt meshlink.Event) {
	r.reg.Observe(evt)
	switch evt.Kind {
	case meshlink.EventTextMessage, meshlink.EventTelemetry:
	default:
		return
	}
	if localID := r.mesh.LocalNodeID(); localID != 0 && evt.NodeID == localID {
		// The radio reports its own transmissions back, including the
		// bridge's relayed sends. Posting those would loop.
		return
	}
	for {
		select {
		case r.queue <- evt:
			return
		default:
		}
		select {
		case old := <-r.queue:
			r.dropped.Add(1)
			r.log.Debug().
				Str("kind", old.Kind.String()).
				Uint32("node_id", old.NodeID).
				Msg("Queue full, dropped oldest mesh event")
		default:
		}
	}
}

// pump drains the queue in arrival order.
func (r *Relay) pump() {
	for {
		select {
		case <-r.stopChan:
			return
		case evt := <-r.queue:
			r.deliver(evt)
		}
	}
}

func (r *Relay) deliver(evt meshlink.Event) {
	display, ok := r.reg.Get(evt.NodeID)
	if !ok {
		display = Node{ID: evt.NodeID}
	}
	// Render the values this event carried, not whatever the registry has
	// accumulated since it was queued.
	display.Signal = evt.Signal
	display.Telemetry = evt.Telemetry

	var text string
	switch evt.Kind {
	case meshlink.EventTextMessage:
		text = formatTextMessage(display, evt.Text)
	case meshlink.EventTelemetry:
		text = formatTelemetry(display)
	default:
		return
	}
	if err := r.chat.PostMarkdown(text); err != nil {
		r.log.Warn().Err(err).
			Str("kind", evt.Kind.String()).
			Uint32("node_id", evt.NodeID).
			Msg("Mesh event not delivered to chat")
		return
	}
	if n := r.dropped.Swap(0); n > 0 {
		if err := r.chat.PostMarkdown(dropNotice(n)); err != nil {
			r.dropped.Add(n)
			r.log.Warn().Err(err).Uint64("dropped", n).Msg("Drop notice not delivered")
		} else {
			r.log.Info().Uint64("dropped", n).Msg("Reported dropped mesh events")
		}
	}
}

// HandleChatCommand answers one parsed channel command. The reply posts back
// to the bridge channel; a failed reply is logged and dropped.
func (r *Relay) HandleChatCommand(cmd chatlink.Command) {
	var reply string
	switch cmd.Kind {
	case chatlink.CommandHelp:
		reply = chatlink.HelpText(r.prefix)
	case chatlink.CommandInfo:
		reply = r.infoReply()
	case chatlink.CommandNodes:
		reply = formatNodes(r.reg.Snapshot(r.cfg.NodesLimit), r.reg.Len(), time.Now())
	case chatlink.CommandSend:
		reply = r.sendToMesh(cmd.Text)
	default:
		return
	}
	if err := r.chat.PostMarkdown(reply); err != nil {
		r.log.Warn().Err(err).
			Str("command", cmd.Kind.String()).
			Msg("Command reply not delivered")
	}
}

func (r *Relay) infoReply() string {
	var local Node
	if localID := r.mesh.LocalNodeID(); localID != 0 {
		if n, ok := r.reg.Get(localID); ok {
			local = n
		} else {
			local = Node{ID: localID}
		}
	}
	return formatInfo(local, r.mesh.Health(), r.chat.Health(), r.reg.Len(), time.Now())
}

func (r *Relay) sendToMesh(text string) string {
	err := r.mesh.Send(text, meshlink.BroadcastID)
	switch {
	case err == nil:
		return formatSendAck(text)
	case errors.Is(err, meshlink.ErrPayloadTooLarge):
		return sendTooLongReply(len(text))
	case errors.Is(err, meshlink.ErrNotConnected):
		return "❌ The radio is not connected. The message was not sent."
	case errors.Is(err, meshlink.ErrWriteTimeout):
		return "❌ The radio did not accept the message in time. It was not sent."
	default:
		r.log.Warn().Err(err).Msg("Mesh send failed")
		return fmt.Sprintf("❌ Send failed: %v", err)
	}
}

// NoteMeshState posts radio link transitions to the channel: a warning when
// an established connection drops, a confirmation when it comes back. The
// first connection stays quiet since the online notice covers startup.
func (r *Relay) NoteMeshState(old, next link.State) {
	switch {
	case next == link.StateConnected:
		if r.meshWasUp {
			r.post(meshRestoredNotice)
		}
		r.meshWasUp = true
	case old == link.StateConnected && next == link.StateBackoff:
		r.post(meshLostNotice)
	}
}

func (r *Relay) post(text string) {
	if err := r.chat.PostMarkdown(text); err != nil {
		r.log.Warn().Err(err).Msg("Notice not delivered to chat")
	}
}
