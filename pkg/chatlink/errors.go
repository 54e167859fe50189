// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chatlink

import "errors"

var (
	// ErrSession wraps chat service failures: bad credentials, a missing
	// bridge channel, websocket drops, and posts dropped after their one
	// retry.
	ErrSession = errors.New("chat session error")

	// ErrCommandParse marks a message that addressed the bridge but did not
	// form a usable command.
	ErrCommandParse = errors.New("invalid command")
)
