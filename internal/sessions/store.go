package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Store persists the durable tail of non-running sessions. Save replaces the
// whole persisted set; implementations must make the replacement atomic.
type Store interface {
	Save(ctx context.Context, sessions []models.PersistedSession) error
	Load(ctx context.Context) ([]models.PersistedSession, error)
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Driver string
	// Path is the JSON document or SQLite database file.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	S3  S3Config
}

// OpenStore builds the store named by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverJSON:
		path := cfg.Path
		if path == "" {
			path = "sessions.json"
		}
		return NewJSONFileStore(path), nil
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "sessions.db"
		}
		return NewSQLiteStore(ctx, path)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case DriverS3:
		return NewS3Store(ctx, cfg.S3, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// dropRunning removes sessions that were mid-run when persisted. Their
// runtime process did not survive the restart.
func dropRunning(in []models.PersistedSession) []models.PersistedSession {
	out := in[:0]
	for _, ps := range in {
		if ps.Session.State == models.SessionRunning || ps.Session.ID == "" {
			continue
		}
		out = append(out, ps)
	}
	return out
}
