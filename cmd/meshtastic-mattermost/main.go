// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command meshtastic-mattermost bridges a Meshtastic radio on a serial port
// with a Mattermost channel. Mesh text and telemetry are posted into the
// channel, and channel members drive the radio through "!mesh" commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiku/meshtastic-mattermost/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "meshtastic-mattermost",
		Short:   "Meshtastic-Mattermost bridge daemon",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "example-config",
		Short: "Print the example configuration and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(bridge.ExampleConfig)
		},
	})
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Msg("meshtastic-mattermost starting")
	return bridge.NewSupervisor(cfg, *log).Run(ctx)
}
