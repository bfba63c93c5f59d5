package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path, _ := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  listen:  %s\n", cfg.Addr())
	fmt.Fprintf(out, "  storage: %s\n", cfg.Storage.Driver)
	fmt.Fprintf(out, "  runtime: %s (%s)\n", cfg.Runtime.Driver, cfg.Runtime.Binary)
	if files := cfg.Files(); len(files) > 1 {
		fmt.Fprintf(out, "  merged:  %s\n", strings.Join(files, ", "))
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
