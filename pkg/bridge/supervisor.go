// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-mattermost/pkg/chatlink"
	"github.com/aiku/meshtastic-mattermost/pkg/link"
	"github.com/aiku/meshtastic-mattermost/pkg/meshlink"
)

const (
	chatReadyWindow = 30 * time.Second
	chatReadyPoll   = 250 * time.Millisecond
)

// meshAdapter is what the supervisor needs from the radio link.
type meshAdapter interface {
	SetEventHandler(meshlink.EventHandler)
	SetStateHandler(meshlink.StateHandler)
	Start()
	Stop()
	Send(text string, dest uint32) error
	LocalNodeID() uint32
	Health() link.Health
}

// chatAdapter is what the supervisor needs from the chat link.
type chatAdapter interface {
	SetCommandHandler(chatlink.CommandHandler)
	SetStateHandler(fn func(old, new link.State))
	Start()
	Stop()
	PostMarkdown(text string) error
	Health() link.Health
}

// Supervisor owns both link adapters and the relay between them.
type Supervisor struct {
	cfg   *Config
	log   zerolog.Logger
	mesh  meshAdapter
	chat  chatAdapter
	relay *Relay

	readyWindow time.Duration
	readyPoll   time.Duration
}

// NewSupervisor builds the full bridge from a validated configuration.
func NewSupervisor(cfg *Config, logger zerolog.Logger) *Supervisor {
	return newSupervisor(cfg, meshlink.NewClient(cfg.Mesh, logger), chatlink.NewClient(cfg.Chat, logger), logger)
}

// newSupervisor is the wiring seam shared with tests.
func newSupervisor(cfg *Config, mesh meshAdapter, chat chatAdapter, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		log:         logger.With().Str("component", "supervisor").Logger(),
		mesh:        mesh,
		chat:        chat,
		readyWindow: chatReadyWindow,
		readyPoll:   chatReadyPoll,
	}
	s.relay = NewRelay(cfg.Relay, cfg.CommandPrefix, mesh, chat, logger)
	mesh.SetEventHandler(s.relay.HandleMeshEvent)
	mesh.SetStateHandler(s.relay.NoteMeshState)
	chat.SetCommandHandler(s.relay.HandleChatCommand)
	return s
}

// Run starts the bridge and blocks until ctx is canceled. The chat side
// comes up first so early radio traffic has somewhere to go; shutdown runs
// in the reverse direction so nothing produces into a stopped consumer.
func (s *Supervisor) Run(ctx context.Context) error {
	s.relay.Start()
	s.chat.Start()
	s.awaitChatReady(ctx)
	if ctx.Err() == nil {
		s.mesh.Start()
		s.log.Info().
			Str("device", s.cfg.Mesh.Device).
			Str("channel_id", s.cfg.Chat.ChannelID).
			Msg("Bridge running")
	}
	<-ctx.Done()
	s.log.Info().Msg("Shutting down")
	s.mesh.Stop()
	s.relay.Stop()
	s.chat.Stop()
	return nil
}

// awaitChatReady waits a bounded window for the first chat connection so the
// online notice lands before radio traffic. The bridge proceeds either way;
// the chat link keeps retrying on its own schedule.
func (s *Supervisor) awaitChatReady(ctx context.Context) {
	deadline := time.NewTimer(s.readyWindow)
	defer deadline.Stop()
	tick := time.NewTicker(s.readyPoll)
	defer tick.Stop()
	for {
		if s.chat.Health().State == link.StateConnected {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.log.Warn().Msg("Chat link not ready yet, starting the radio anyway")
			return
		case <-tick.C:
		}
	}
}
