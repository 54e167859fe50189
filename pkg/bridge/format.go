// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/aiku/meshtastic-mattermost/pkg/link"
	"github.com/aiku/meshtastic-mattermost/pkg/meshlink"
)

const (
	meshLostNotice     = "⚠️ Meshtastic connection lost. Attempting to reconnect..."
	meshRestoredNotice = "✅ Meshtastic connection restored."
)

// nodeLabel renders "Long Name `(SHRT)`" when both names are known, falling
// back to whatever DisplayName picks.
func nodeLabel(n Node) string {
	if n.LongName != "" && n.ShortName != "" {
		return fmt.Sprintf("%s `(%s)`", n.LongName, n.ShortName)
	}
	return n.DisplayName()
}

func formatTextMessage(n Node, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "💬 **%s**: %s", nodeLabel(n), text)
	if line := signalLine(n.Signal); line != "" {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func signalLine(sig meshlink.SignalQuality) string {
	if sig == (meshlink.SignalQuality{}) {
		return ""
	}
	if sig.RSSI == 0 {
		return fmt.Sprintf("_SNR: %.1f dB_", sig.SNR)
	}
	return fmt.Sprintf("_SNR: %.1f dB | RSSI: %d dBm_", sig.SNR, sig.RSSI)
}

func formatTelemetry(n Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Device Telemetry** - %s", nodeLabel(n))
	for _, line := range telemetryLines(n.Telemetry) {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if n.Signal != (meshlink.SignalQuality{}) {
		fmt.Fprintf(&b, "\n📈 **SNR:** %.1f dB", n.Signal.SNR)
	}
	return b.String()
}

// telemetryLines renders the fields a snapshot actually carries, one line
// each, in a fixed order. Battery and voltage fold into one line when both
// are present.
func telemetryLines(tel *meshlink.TelemetrySnapshot) []string {
	if tel == nil {
		return nil
	}
	var lines []string
	switch {
	case tel.BatteryPercent != nil && tel.Voltage != nil:
		lines = append(lines, fmt.Sprintf("🔋 **Battery:** %d%% (%.2fV)", *tel.BatteryPercent, *tel.Voltage))
	case tel.BatteryPercent != nil:
		lines = append(lines, fmt.Sprintf("🔋 **Battery:** %d%%", *tel.BatteryPercent))
	case tel.Voltage != nil:
		lines = append(lines, fmt.Sprintf("⚡ **Voltage:** %.2fV", *tel.Voltage))
	}
	if tel.ChannelUtil != nil {
		lines = append(lines, fmt.Sprintf("📡 **Channel Usage:** %.1f%%", *tel.ChannelUtil))
	}
	if tel.AirUtilTX != nil {
		lines = append(lines, fmt.Sprintf("📶 **Air Utilization:** %.2f%%", *tel.AirUtilTX))
	}
	if tel.UptimeSeconds != nil {
		lines = append(lines, fmt.Sprintf("⏱️ **Uptime:** %s", formatUptime(*tel.UptimeSeconds)))
	}
	return lines
}

func formatNodes(nodes []Node, total int, now time.Time) string {
	if total == 0 {
		return "📡 **Mesh Network Nodes**\nNo nodes heard yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📡 **Mesh Network Nodes**\nFound **%d** node%s:\n", total, plural(total))
	for i, n := range nodes {
		fmt.Fprintf(&b, "\n%d. **%s**", i+1, nodeLabel(n))
		if n.Signal != (meshlink.SignalQuality{}) {
			fmt.Fprintf(&b, " | SNR: %.1f dB", n.Signal.SNR)
		}
		fmt.Fprintf(&b, " | seen %s", formatAge(now.Sub(n.LastSeen)))
	}
	if len(nodes) < total {
		fmt.Fprintf(&b, "\n\nShowing %d of %d nodes", len(nodes), total)
	}
	return b.String()
}

func formatInfo(local Node, mesh, chat link.Health, known int, now time.Time) string {
	var b strings.Builder
	b.WriteString("ℹ️ **Meshtastic Bridge Status**\n")
	switch {
	case local.ID == 0:
		b.WriteString("**Local node:** unknown (handshake pending)\n")
	case local.LongName == "" && local.ShortName == "":
		fmt.Fprintf(&b, "**Local node:** `!%08x`\n", local.ID)
	default:
		fmt.Fprintf(&b, "**Local node:** %s `!%08x`\n", nodeLabel(local), local.ID)
	}
	fmt.Fprintf(&b, "**Radio link:** %s\n", describeHealth(mesh, now))
	fmt.Fprintf(&b, "**Chat link:** %s\n", describeHealth(chat, now))
	fmt.Fprintf(&b, "**Known nodes:** %d", known)
	for _, line := range telemetryLines(local.Telemetry) {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

func describeHealth(h link.Health, now time.Time) string {
	switch h.State {
	case link.StateConnected:
		if h.ConnectedSince.IsZero() {
			return "connected"
		}
		return fmt.Sprintf("connected (up %s)", formatUptime(uint32(now.Sub(h.ConnectedSince).Seconds())))
	case link.StateConnecting:
		return "connecting"
	case link.StateBackoff:
		return fmt.Sprintf("reconnecting (%d failure%s so far)", h.ConsecutiveFailures, plural(h.ConsecutiveFailures))
	default:
		return "disconnected"
	}
}

func formatSendAck(text string) string {
	return fmt.Sprintf("📡 **Message Sent to Mesh**\n```\n%s\n```\nLength: %d/%d bytes",
		text, len(text), meshlink.MaxTextBytes)
}

func sendTooLongReply(n int) string {
	return fmt.Sprintf("❌ Message too long! **%d/%d** bytes\nPlease shorten your message.",
		n, meshlink.MaxTextBytes)
}

func dropNotice(n uint64) string {
	if n == 1 {
		return "⚠️ **1 mesh message dropped** while the chat link could not keep up."
	}
	return fmt.Sprintf("⚠️ **%d mesh messages dropped** while the chat link could not keep up.", n)
}

// formatAge renders how long ago something happened, coarsely.
func formatAge(d time.Duration) string {
	switch {
	case d < 10*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

// formatUptime renders a seconds count as "5h 42m", or just minutes when
// under an hour.
func formatUptime(seconds uint32) string {
	h := seconds / 3600
	m := seconds % 3600 / 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
