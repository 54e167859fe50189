// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import "time"

// BroadcastID is the destination node id that addresses every node on the
// mesh.
const BroadcastID uint32 = 0xffffffff

// MaxTextBytes is the largest text payload the radio accepts in a single
// packet. Longer payloads are rejected, never truncated.
const MaxTextBytes = 240

// EventKind tags the variants of an inbound device event.
type EventKind int

const (
	// EventUnknown covers packets the bridge does not interpret: encrypted
	// payloads, unhandled ports, telemetry variants without device metrics.
	// They still prove the sender is alive.
	EventUnknown EventKind = iota
	EventTextMessage
	EventTelemetry
	EventNodeInfo
	EventPosition
)

func (k EventKind) String() string {
	switch k {
	case EventTextMessage:
		return "text_message"
	case EventTelemetry:
		return "telemetry"
	case EventNodeInfo:
		return "node_info"
	case EventPosition:
		return "position"
	default:
		return "unknown"
	}
}

// SignalQuality carries the receive-side radio metrics of a packet.
type SignalQuality struct {
	SNR  float32 // dB
	RSSI int32   // dBm
}

// TelemetrySnapshot holds the device metrics a node reported. Fields the
// node did not include are nil. Snapshots are never mutated after they are
// built, so they may be shared freely.
type TelemetrySnapshot struct {
	BatteryPercent *uint32
	Voltage        *float32
	ChannelUtil    *float32
	AirUtilTX      *float32
	UptimeSeconds  *uint32
}

// UserInfo is a node's advertised identity.
type UserInfo struct {
	LongName  string
	ShortName string
	HwModel   string
}

// Event is one decoded inbound device frame. Kind selects which payload
// fields are set.
type Event struct {
	Kind       EventKind
	NodeID     uint32
	ReceivedAt time.Time
	Signal     SignalQuality

	Text      string             // EventTextMessage
	Telemetry *TelemetrySnapshot // EventTelemetry, sometimes EventNodeInfo
	User      *UserInfo          // EventNodeInfo
}
