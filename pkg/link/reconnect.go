// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package link

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectConfig shapes one link's retry schedule after a failure. The two
// adapters carry independent configs and never share a schedule.
type ReconnectConfig struct {
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	// StableReset is how long a connection must stay up before the next
	// failure starts the schedule over from InitialDelay.
	StableReset Duration `yaml:"stable_reset"`
}

// NewBackOff builds the exponential retry schedule for this config. Jitter
// is disabled so consecutive delays never shrink before reaching the
// ceiling, and the schedule never gives up on its own.
func (c ReconnectConfig) NewBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Duration(c.InitialDelay)),
		backoff.WithMaxInterval(time.Duration(c.MaxDelay)),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}
