// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package chatlink maintains the Mattermost side of the bridge: one bot
// session bound to a single channel, markdown posts for mesh traffic, and
// command parsing for messages addressed to the bridge.
//
// # Lifecycle
//
// A Client owns its connection. Start launches a loop that verifies the bot
// session, resolves the bridge channel, and listens on the websocket; when
// the connection drops the loop backs off exponentially and reconnects on
// its own. Posts made while the link is down fail fast instead of queueing
// inside the adapter.
//
// Inbound posts go through echo prevention (the bot's own posts, system
// messages, posts from other channels) before the command parser sees them.
// The registered CommandHandler runs on the websocket goroutine and must
// not block.
package chatlink
