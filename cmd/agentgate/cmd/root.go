// Package cmd provides the CLI commands for agentgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentgate-io/agentgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "agentgate - AI agent containment gateway",
	Long: `agentgate is a containment gateway for AI agent tool calls.

Every tool call passes through an enforcement pipeline: validation, kill
switch, quarantine, rate limiting, policy evaluation, taint/DLP checks, and
approval workflows. Each call appends exactly one event to an append-only
trace journal with Merkle-tree integrity proofs.

Quick start:
  1. Create a config file: agentgate.yaml
  2. Run: agentgate serve

Configuration:
  Config is loaded from agentgate.yaml in the current directory,
  $HOME/.agentgate/, or /etc/agentgate/.

  Environment variables can override config values with the AGENTGATE_ prefix.
  Example: AGENTGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway server
  hash-key    Generate a hash for an admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
