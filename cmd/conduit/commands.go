package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the broker.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		showQR     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit broker",
		Long: `Start the conduit broker.

The server will:
1. Load .env and the configuration file (or built-in defaults)
2. Lock the data directory against a second broker
3. Restore persisted sessions from the session store
4. Index the agent's conversation logs and watch them for changes
5. Serve the WebSocket control plane, the HTTP API, health and metrics

Running sessions are aborted and persisted on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults (127.0.0.1:8765)
  conduit serve

  # Start with a config file and print a QR code for phones
  conduit serve --config ~/.conduit/conduit.yaml --qr`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), configPath, debug, showQR)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&showQR, "qr", false, "Print a QR code of the WebSocket URL")
	return cmd
}

// =============================================================================
// Sessions Commands
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted and logged sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions from the session store and the conversation logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath, asJSON, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON (default when stdout is not a terminal)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of sessions to print (0 for all)")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the logged conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0], asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON (default when stdout is not a terminal)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// QR Command
// =============================================================================

func buildQRCmd() *cobra.Command {
	var (
		configPath string
		host       string
	)
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Print a QR code of the broker's WebSocket URL",
		Long: `Print a QR code of the broker's WebSocket URL.

When the broker listens on a loopback address, pass --host with an address
reachable from the phone (for example the machine's LAN IP).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQR(cmd, configPath, host)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&host, "host", "", "Host to advertise instead of server.host")
	return cmd
}
