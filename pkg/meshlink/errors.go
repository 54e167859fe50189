// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import "errors"

var (
	// ErrDeviceUnavailable means the device path could not be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrProtocol means the device misbehaved at the protocol level, for
	// example a handshake that never completed.
	ErrProtocol = errors.New("protocol error")
	// ErrWriteTimeout means a device write did not finish within the
	// configured bound. The connection is torn down afterwards.
	ErrWriteTimeout = errors.New("write timed out")
	// ErrPayloadTooLarge means a text payload exceeded MaxTextBytes. The
	// payload never reaches the device.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrNotConnected means a send was attempted while the link was down.
	// Sends fail fast instead of waiting out a reconnect.
	ErrNotConnected = errors.New("mesh link not connected")
)
