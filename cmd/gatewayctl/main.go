// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main implements gatewayctl, the offline companion CLI for the
// gateway: config validation and dry runs of scrubbing, moderation and
// routing against a configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Gateway configuration and dry-run tool",
		Long:          `gatewayctl validates gateway configuration and runs the scrub, moderate and route stages locally.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"),
		"path to the gateway YAML configuration (default: built-in)")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(exampleConfigCmd())
	rootCmd.AddCommand(scrubCmd(&configPath))
	rootCmd.AddCommand(moderateCmd(&configPath))
	rootCmd.AddCommand(routeCmd(&configPath))

	return rootCmd
}
