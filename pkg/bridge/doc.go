// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires the mesh and chat links into one daemon.
//
// The Relay is the middle of the bridge: it folds every inbound radio event
// into a node registry, forwards text and telemetry to the chat channel
// through a bounded queue, and answers chat commands. The Supervisor owns
// process concerns around it: configuration, startup order, and shutdown.
package bridge
