package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/haasonsaas/conduit/internal/gateway"
	"github.com/haasonsaas/conduit/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, starts the broker and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, errOut io.Writer, configPath string, debug, showQR bool) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	cfg, resolved, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	if resolved == "" {
		resolved = "(defaults)"
	}
	logger.Info("starting conduit",
		"version", version,
		"commit", commit,
		"config", resolved,
		"debug", debug,
	)
	if files := cfg.Files(); len(files) > 1 {
		logger.Debug("merged config files", "files", files)
	}

	server, err := gateway.NewServer(cfg, logger, gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	if showQR {
		host, port := splitAddr(server.Addr())
		if err := printQR(errOut, webSocketURL(advertiseHost(host), port)); err != nil {
			logger.Warn("failed to render QR code", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("conduit stopped gracefully")
	return nil
}

// loadDotEnv loads .env from the working directory when present.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// =============================================================================
// QR Command Handler
// =============================================================================

func runQR(cmd *cobra.Command, configPath, host string) error {
	cfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if host == "" {
		host = advertiseHost(cfg.Server.Host)
	}
	url := webSocketURL(host, strconv.Itoa(cfg.Server.HTTPPort))
	if err := printQR(cmd.OutOrStdout(), url); err != nil {
		return err
	}
	return nil
}

func printQR(out io.Writer, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Fprint(out, code.ToSmallString(false))
	fmt.Fprintln(out, url)
	return nil
}

func webSocketURL(host, port string) string {
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

func splitAddr(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}

// advertiseHost replaces wildcard listen addresses with the first
// non-loopback IPv4 address of this machine.
func advertiseHost(host string) string {
	if host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
