// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import (
	"math/rand/v2"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"go.mau.fi/util/ptr"
	"google.golang.org/protobuf/proto"
)

const defaultHopLimit = 3

// nonzeroID returns a random id usable as a packet id or config nonce. The
// device treats zero as unset.
func nonzeroID() uint32 {
	return rand.Uint32N(0xfffffffe) + 1
}

// decodeFromRadio classifies a device message into an Event. ok is false for
// frames that carry no event: configuration, log records, queue status, and
// packets without a sender.
func decodeFromRadio(msg *pb.FromRadio, now time.Time) (Event, bool) {
	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_Packet:
		return decodePacket(v.Packet, now)
	case *pb.FromRadio_NodeInfo:
		return decodeNodeDump(v.NodeInfo, now)
	default:
		return Event{}, false
	}
}

func decodePacket(p *pb.MeshPacket, now time.Time) (Event, bool) {
	if p == nil || p.GetFrom() == 0 {
		return Event{}, false
	}
	evt := Event{
		Kind:       EventUnknown,
		NodeID:     p.GetFrom(),
		ReceivedAt: now,
		Signal:     SignalQuality{SNR: p.GetRxSnr(), RSSI: p.GetRxRssi()},
	}
	data := p.GetDecoded()
	if data == nil {
		// Encrypted payload. Still a live sighting of the sender.
		return evt, true
	}
	switch data.GetPortnum() {
	case pb.PortNum_TEXT_MESSAGE_APP:
		evt.Kind = EventTextMessage
		evt.Text = string(data.GetPayload())
	case pb.PortNum_TELEMETRY_APP:
		var tel pb.Telemetry
		if err := proto.Unmarshal(data.GetPayload(), &tel); err != nil {
			// Corrupt metrics payload. Keep the sighting, drop the metrics.
			return evt, true
		}
		if dm := tel.GetDeviceMetrics(); dm != nil {
			evt.Kind = EventTelemetry
			evt.Telemetry = metricsSnapshot(dm)
		}
	case pb.PortNum_NODEINFO_APP:
		var user pb.User
		if err := proto.Unmarshal(data.GetPayload(), &user); err != nil {
			return evt, true
		}
		evt.Kind = EventNodeInfo
		evt.User = &UserInfo{
			LongName:  user.GetLongName(),
			ShortName: user.GetShortName(),
			HwModel:   hwModelName(user.GetHwModel()),
		}
	case pb.PortNum_POSITION_APP:
		// Position is tracked for liveness only; the payload is not decoded.
		evt.Kind = EventPosition
	}
	return evt, true
}

// decodeNodeDump handles the NodeInfo records the device streams during the
// configuration dump. They seed the registry before live traffic arrives.
func decodeNodeDump(ni *pb.NodeInfo, now time.Time) (Event, bool) {
	if ni == nil || ni.GetNum() == 0 {
		return Event{}, false
	}
	evt := Event{
		Kind:       EventNodeInfo,
		NodeID:     ni.GetNum(),
		ReceivedAt: now,
		Signal:     SignalQuality{SNR: ni.GetSnr()},
	}
	if u := ni.GetUser(); u != nil {
		evt.User = &UserInfo{
			LongName:  u.GetLongName(),
			ShortName: u.GetShortName(),
			HwModel:   hwModelName(u.GetHwModel()),
		}
	}
	if dm := ni.GetDeviceMetrics(); dm != nil {
		evt.Telemetry = metricsSnapshot(dm)
	}
	return evt, true
}

// hwModelName renders a hardware model for display. Devices report UNSET for
// nodes whose model they never learned; that becomes empty rather than a
// literal "UNSET" label.
func hwModelName(m pb.HardwareModel) string {
	if m == pb.HardwareModel_UNSET {
		return ""
	}
	return m.String()
}

func metricsSnapshot(dm *pb.DeviceMetrics) *TelemetrySnapshot {
	snap := &TelemetrySnapshot{}
	if dm.BatteryLevel != nil {
		snap.BatteryPercent = ptr.Ptr(dm.GetBatteryLevel())
	}
	if dm.Voltage != nil {
		snap.Voltage = ptr.Ptr(dm.GetVoltage())
	}
	if dm.ChannelUtilization != nil {
		snap.ChannelUtil = ptr.Ptr(dm.GetChannelUtilization())
	}
	if dm.AirUtilTx != nil {
		snap.AirUtilTX = ptr.Ptr(dm.GetAirUtilTx())
	}
	if dm.UptimeSeconds != nil {
		snap.UptimeSeconds = ptr.Ptr(dm.GetUptimeSeconds())
	}
	return snap
}

// newWantConfig asks the device to stream its configuration and node list.
// The device echoes the nonce back when the dump is complete.
func newWantConfig(nonce uint32) *pb.ToRadio {
	return &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	}
}

// newTextMessage builds a broadcast or directed text packet.
func newTextMessage(text string, dest uint32) *pb.ToRadio {
	return &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: &pb.MeshPacket{
			To:       dest,
			Id:       nonzeroID(),
			HopLimit: defaultHopLimit,
			PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
				Portnum: pb.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
			}},
		}},
	}
}

// newDisconnect tells the device the host is going away so it stops
// streaming to a dead serial port.
func newDisconnect() *pb.ToRadio {
	return &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Disconnect{Disconnect: true},
	}
}
