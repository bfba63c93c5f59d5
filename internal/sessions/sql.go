package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conduit/pkg/models"
)

// SQLDialect names the SQL flavor spoken by a SQLStore.
type SQLDialect string

const (
	DialectSQLite   SQLDialect = "sqlite"
	DialectPostgres SQLDialect = "postgres"
)

// SQLConfig holds connection pool settings for SQL stores.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults for a shared Postgres server.
func DefaultPostgresConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// DefaultSQLiteConfig returns pool defaults for a local SQLite file.
// SQLite serializes writers, so a single connection is used.
func DefaultSQLiteConfig() SQLConfig {
	return SQLConfig{
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		ConnectTimeout: 5 * time.Second,
	}
}

// SQLStore persists sessions in a relational table, one row per session with
// the full persisted form kept as a JSON document.
type SQLStore struct {
	db      *sql.DB
	dialect SQLDialect
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return openSQLStore(ctx, "sqlite", dsn, DialectSQLite, DefaultSQLiteConfig())
}

// NewPostgresStore connects to a Postgres-compatible database.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	return openSQLStore(ctx, "postgres", dsn, DialectPostgres, DefaultPostgresConfig())
}

func openSQLStore(ctx context.Context, driver, dsn string, dialect SQLDialect, config SQLConfig) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStoreWithDB(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStoreWithDB wraps an existing connection. The schema is not created.
func NewSQLStoreWithDB(db *sql.DB, dialect SQLDialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the sessions table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	docType := "TEXT"
	if s.dialect == DialectPostgres {
		docType = "JSONB"
	}
	schema := `CREATE TABLE IF NOT EXISTS conduit_sessions (
		id         TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		started_at BIGINT NOT NULL,
		ended_at   BIGINT,
		doc        ` + docType + ` NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}

// Save replaces every row in a single transaction.
func (s *SQLStore) Save(ctx context.Context, sessions []models.PersistedSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conduit_sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	insert := s.rebind(`INSERT INTO conduit_sessions (id, state, started_at, ended_at, doc) VALUES (?, ?, ?, ?, ?)`)
	for _, ps := range sessions {
		doc, err := json.Marshal(ps)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", ps.Session.ID, err)
		}
		var endedAt sql.NullInt64
		if !ps.Session.EndedAt.IsZero() {
			endedAt = sql.NullInt64{Int64: ps.Session.EndedAt.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insert,
			ps.Session.ID,
			string(ps.Session.State),
			ps.Session.StartedAt.UnixMilli(),
			endedAt,
			string(doc),
		); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", ps.Session.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sessions: %w", err)
	}
	return nil
}

// Load reads every non-running session, newest first.
func (s *SQLStore) Load(ctx context.Context) ([]models.PersistedSession, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT doc FROM conduit_sessions WHERE state <> ? ORDER BY started_at DESC`,
	), string(models.SessionRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.PersistedSession
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var ps models.PersistedSession
		if err := json.Unmarshal([]byte(doc), &ps); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return dropRunning(out), nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
