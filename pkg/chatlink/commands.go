// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chatlink

import (
	"fmt"
	"strings"
)

// CommandKind identifies one of the bridge's chat commands.
type CommandKind int

const (
	CommandHelp CommandKind = iota
	CommandInfo
	CommandSend
	CommandNodes
)

func (k CommandKind) String() string {
	switch k {
	case CommandHelp:
		return "help"
	case CommandInfo:
		return "info"
	case CommandSend:
		return "send"
	case CommandNodes:
		return "nodes"
	default:
		return "unknown"
	}
}

// Command is one parsed bridge command.
type Command struct {
	Kind CommandKind
	// Text is the message body for CommandSend, empty otherwise.
	Text string
}

// ParseCommand interprets a chat message. ok is false when the message is
// not addressed to the bridge at all; such messages are ordinary channel
// chatter. A message that carries the prefix but no usable subcommand
// returns ok with an error wrapping ErrCommandParse.
func ParseCommand(prefix, message string) (cmd Command, ok bool, err error) {
	trimmed := strings.TrimSpace(message)
	if trimmed != prefix && !strings.HasPrefix(trimmed, prefix+" ") {
		return Command{}, false, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
	if rest == "" {
		// Bare prefix. Treat it as a help request.
		return Command{Kind: CommandHelp}, true, nil
	}
	verb, args, _ := strings.Cut(rest, " ")
	args = strings.TrimSpace(args)
	switch strings.ToLower(verb) {
	case "help":
		return Command{Kind: CommandHelp}, true, nil
	case "info":
		return Command{Kind: CommandInfo}, true, nil
	case "nodes":
		return Command{Kind: CommandNodes}, true, nil
	case "send":
		if args == "" {
			return Command{}, true, fmt.Errorf("%w: send needs a message", ErrCommandParse)
		}
		return Command{Kind: CommandSend, Text: args}, true, nil
	default:
		return Command{}, true, fmt.Errorf("%w: unknown subcommand %q", ErrCommandParse, verb)
	}
}

// HelpText is the command reference posted in response to help requests and
// malformed commands.
func HelpText(prefix string) string {
	return fmt.Sprintf("🤖 **Meshtastic Bridge Commands**\n\n"+
		"`%[1]s info` - Show bridge and radio status\n"+
		"`%[1]s send <message>` - Broadcast a message to the mesh\n"+
		"`%[1]s nodes` - List recently heard mesh nodes\n"+
		"`%[1]s help` - Show this help", prefix)
}
