// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/meshtastic-mattermost/pkg/chatlink"
	"github.com/aiku/meshtastic-mattermost/pkg/link"
	"github.com/aiku/meshtastic-mattermost/pkg/meshlink"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole daemon configuration.
type Config struct {
	Chat          chatlink.Config   `yaml:"chat"`
	Mesh          meshlink.Config   `yaml:"mesh"`
	Relay         RelayConfig       `yaml:"relay"`
	CommandPrefix string            `yaml:"command_prefix"`
	Logging       zeroconfig.Config `yaml:"logging"`
}

// LoadConfig builds the configuration from the yaml file at path, the
// environment, and defaults, in that precedence order. A missing file is not
// an error; the environment alone can carry the required keys.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MATTERMOST_SERVER_URL"); v != "" {
		c.Chat.ServerURL = v
	}
	if v := os.Getenv("MATTERMOST_TOKEN"); v != "" {
		c.Chat.Token = v
	}
	if v := os.Getenv("MATTERMOST_CHANNEL_ID"); v != "" {
		c.Chat.ChannelID = v
	}
	if v := os.Getenv("MESHTASTIC_DEVICE"); v != "" {
		c.Mesh.Device = v
	}
	if v := os.Getenv("RECONNECT_DELAY"); v != "" {
		d, err := parseReconnectDelay(v)
		if err != nil {
			return fmt.Errorf("invalid RECONNECT_DELAY %q: %w", v, err)
		}
		c.Chat.Reconnect.InitialDelay = link.Duration(d)
		c.Mesh.Reconnect.InitialDelay = link.Duration(d)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
		c.Logging.MinLevel = &lvl
	}
	return nil
}

// parseReconnectDelay accepts a Go duration or, for compatibility with older
// deployments, a bare integer of seconds. Either form is floored at one
// second.
func parseReconnectDelay(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.PostRetryDelay == 0 {
		c.Chat.PostRetryDelay = link.Duration(2 * time.Second)
	}
	applyReconnectDefaults(&c.Chat.Reconnect)
	if c.Mesh.Device == "" {
		c.Mesh.Device = "/dev/ttyACM0"
	}
	if c.Mesh.BaudRate == 0 {
		c.Mesh.BaudRate = 115200
	}
	if c.Mesh.HandshakeTimeout == 0 {
		c.Mesh.HandshakeTimeout = link.Duration(20 * time.Second)
	}
	if c.Mesh.WriteTimeout == 0 {
		c.Mesh.WriteTimeout = link.Duration(5 * time.Second)
	}
	applyReconnectDefaults(&c.Mesh.Reconnect)
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = defaultQueueSize
	}
	if c.Relay.NodesLimit <= 0 {
		c.Relay.NodesLimit = defaultNodesLimit
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "!mesh"
	}
	c.Chat.CommandPrefix = c.CommandPrefix
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   zeroconfig.WriterTypeStdout,
			Format: zeroconfig.LogFormatPretty,
		}}
	}
	if c.Logging.MinLevel == nil {
		c.Logging.MinLevel = ptr.Ptr(zerolog.InfoLevel)
	}
}

func applyReconnectDefaults(rc *link.ReconnectConfig) {
	if rc.InitialDelay == 0 {
		rc.InitialDelay = link.Duration(5 * time.Second)
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = link.Duration(5 * time.Minute)
	}
	if rc.StableReset == 0 {
		rc.StableReset = link.Duration(60 * time.Second)
	}
}

// Validate reports every missing required key at once so a bad deployment
// fails with the full list instead of one key per restart.
func (c *Config) Validate() error {
	var missing []string
	if c.Chat.ServerURL == "" {
		missing = append(missing, "chat.server_url (MATTERMOST_SERVER_URL)")
	}
	if c.Chat.Token == "" {
		missing = append(missing, "chat.token (MATTERMOST_TOKEN)")
	}
	if c.Chat.ChannelID == "" {
		missing = append(missing, "chat.channel_id (MATTERMOST_CHANNEL_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}
