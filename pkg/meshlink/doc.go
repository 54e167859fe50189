// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package meshlink maintains the serial connection to a Meshtastic radio and
// translates between its framed protobuf wire format and typed events.
//
// # Wire Format
//
// The device speaks a stream protocol over serial: each frame is the two
// magic bytes 0x94 0xC3, a big-endian uint16 payload length, then a
// protobuf-encoded FromRadio (device to host) or ToRadio (host to device)
// message. Anything between frames is console noise and is skipped. On
// connect the client flushes the device console with a wake sequence, sends
// a want-config request, and consumes the configuration dump (local node
// identity plus the known-node list) until the device confirms completion.
//
// # Lifecycle
//
// [Client.Start] launches a managing goroutine that connects, runs a
// blocking read loop, and on any failure reconnects forever with an
// exponential backoff that resets after the link has been stable. The
// client owns this loop entirely; callers only observe it through
// [Client.Health] and the state-change handler.
//
// Decoded frames are delivered as [Event] values to the handler registered
// with [Client.SetEventHandler], from the read goroutine. Handlers must not
// block.
package meshlink
