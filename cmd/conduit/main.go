// Package main provides the CLI entry point for conduit, a session broker
// that lets browser clients drive and observe coding-agent runs.
//
// # Basic Usage
//
// Start the broker:
//
//	conduit serve --config conduit.yaml
//
// Inspect sessions without a running broker:
//
//	conduit sessions list
//	conduit sessions show <session-id>
//
// Check a configuration file:
//
//	conduit config validate --config conduit.yaml
//
// # Environment Variables
//
//   - CONDUIT_CONFIG: Path to configuration file (default: conduit.yaml)
//   - CONDUIT_ALLOW_MULTI: Set to 1 to skip the data directory lock
//
// A .env file in the working directory is loaded before the configuration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "conduit - session broker for coding-agent runs",
		Long: `conduit runs coding-agent sessions on this machine and streams them to
browser clients over WebSocket. Clients start and abort runs, answer tool
permission prompts, and replay past conversations.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
		buildQRCmd(),
	)
	return rootCmd
}
