// Package cmd provides the CLI commands for OnGarde.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AntimatterEnterprises/ongarde/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ongarde",
	Short: "OnGarde - intercepting security proxy for LLM traffic",
	Long: `OnGarde is an intercepting HTTP proxy that sits between AI agents and
upstream LLM providers (OpenAI-compatible and Anthropic Messages APIs).

Every request and response is inspected for leaked credentials, PII,
prompt-injection patterns, and dangerous commands. Clean traffic is
forwarded byte-for-byte; threats are blocked with a structured error.

Quick start:
  1. Create a config file: ongarde.yaml
  2. Run: ongarde run

Configuration:
  Config is loaded from ongarde.yaml in the current directory,
  $HOME/.ongarde/, or /etc/ongarde/.

  Environment variables can override config values with the ONGARDE_ prefix.
  Example: ONGARDE_SERVER_ADDR=:9090

Commands:
  run         Start the proxy
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ongarde.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
