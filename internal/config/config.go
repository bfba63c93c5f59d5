// Package config loads the broker's YAML or JSON5 configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/conduit/internal/runtime"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

// EnvConfigPath names the environment variable consulted for the config path.
const EnvConfigPath = "CONDUIT_CONFIG"

// DefaultPath is used when neither a flag nor EnvConfigPath names a file.
const DefaultPath = "conduit.yaml"

// Config is the main configuration structure for conduit.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Broker        BrokerConfig        `yaml:"broker"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Storage       StorageConfig       `yaml:"storage"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	// DataDir holds the session store and the singleton lock.
	DataDir string `yaml:"data_dir"`

	files []string
}

// Files lists the files Load merged, included files first. It is empty for
// Default.
func (c *Config) Files() []string {
	return c.files
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	// AllowedOrigins restricts browser origins on /ws. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AllowMultiple skips the data directory singleton lock.
	AllowMultiple bool `yaml:"allow_multiple"`
}

// BrokerConfig tunes session buffering, permissions and retention.
type BrokerConfig struct {
	BufferSize            int                   `yaml:"buffer_size"`
	PersistTail           int                   `yaml:"persist_tail"`
	MaxFieldBytes         int                   `yaml:"max_field_bytes"`
	PermissionTimeout     time.Duration         `yaml:"permission_timeout"`
	Retention             time.Duration         `yaml:"retention"`
	SweepSchedule         string                `yaml:"sweep_schedule"`
	DefaultPermissionMode models.PermissionMode `yaml:"default_permission_mode"`
	// AllowedTools pre-approves tool patterns for every session.
	AllowedTools []string `yaml:"allowed_tools"`
	MaxTurns     int      `yaml:"max_turns"`
	MaxBudgetUSD float64  `yaml:"max_budget_usd"`
	DefaultCwd   string   `yaml:"default_cwd"`
}

type RuntimeConfig struct {
	// Driver selects the agent runtime. Only "claude" is supported.
	Driver    string              `yaml:"driver"`
	Binary    string              `yaml:"binary"`
	Models    []runtime.ModelInfo `yaml:"models"`
	ExtraArgs []string            `yaml:"extra_args"`
	Env       []string            `yaml:"env"`
	KillGrace time.Duration       `yaml:"kill_grace"`
}

type StorageConfig struct {
	// Driver is one of json, sqlite, postgres, s3 or memory.
	Driver string            `yaml:"driver"`
	Path   string            `yaml:"path"`
	DSN    string            `yaml:"dsn"`
	S3     sessions.S3Config `yaml:"s3"`
}

type HistoryConfig struct {
	Root     string        `yaml:"root"`
	Watch    *bool         `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// WatchEnabled reports whether the history watcher should run.
func (h HistoryConfig) WatchEnabled() bool {
	return h.Watch == nil || *h.Watch
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// MetricsOn reports whether /metrics is served.
func (o ObservabilityConfig) MetricsOn() bool {
	return o.MetricsEnabled == nil || *o.MetricsEnabled
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off when Endpoint
// is empty.
type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

// ResolvePath picks the config path: explicit flag, then EnvConfigPath, then
// DefaultPath. The boolean reports whether the path was chosen explicitly.
func ResolvePath(flagPath string) (string, bool) {
	if strings.TrimSpace(flagPath) != "" {
		return flagPath, true
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// LoadOrDefault loads path, falling back to Default when path was not chosen
// explicitly and does not exist.
func LoadOrDefault(flagPath string) (*Config, string, error) {
	path, explicit := ResolvePath(flagPath)
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return Default(), "", nil
		}
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Load reads, merges, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, files, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(path, cfg.Version); err != nil {
		return nil, err
	}
	cfg.files = files
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8765
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	if cfg.Broker.BufferSize == 0 {
		cfg.Broker.BufferSize = sessions.DefaultBufferSize
	}
	if cfg.Broker.PersistTail == 0 {
		cfg.Broker.PersistTail = sessions.DefaultPersistTail
	}
	if cfg.Broker.MaxFieldBytes == 0 {
		cfg.Broker.MaxFieldBytes = sessions.DefaultMaxFieldBytes
	}
	if cfg.Broker.PermissionTimeout == 0 {
		cfg.Broker.PermissionTimeout = 5 * time.Minute
	}
	if cfg.Broker.Retention == 0 {
		cfg.Broker.Retention = sessions.DefaultRetention
	}
	if cfg.Broker.SweepSchedule == "" {
		cfg.Broker.SweepSchedule = sessions.DefaultSweepSchedule
	}
	if cfg.Broker.DefaultPermissionMode == "" {
		cfg.Broker.DefaultPermissionMode = models.PermissionModeDefault
	}

	if cfg.Runtime.Driver == "" {
		cfg.Runtime.Driver = "claude"
	}
	if cfg.Runtime.Binary == "" {
		cfg.Runtime.Binary = "claude"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = sessions.DriverJSON
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case sessions.DriverJSON:
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions.json")
		case sessions.DriverSQLite:
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions.db")
		}
	}

	if cfg.History.Debounce == 0 {
		cfg.History.Debounce = 500 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "conduit"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Broker.BufferSize < 1 {
		issues = append(issues, "broker.buffer_size must be positive")
	}
	if c.Broker.PersistTail < 0 {
		issues = append(issues, "broker.persist_tail must not be negative")
	}
	if c.Broker.MaxFieldBytes < 1<<10 || c.Broker.MaxFieldBytes > 256<<10 {
		issues = append(issues, fmt.Sprintf("broker.max_field_bytes %d must be between 1024 and 262144", c.Broker.MaxFieldBytes))
	}
	if c.Broker.PermissionTimeout < 0 {
		issues = append(issues, "broker.permission_timeout must not be negative")
	}
	if c.Broker.Retention < 0 {
		issues = append(issues, "broker.retention must not be negative")
	}
	if _, err := cron.ParseStandard(c.Broker.SweepSchedule); err != nil {
		issues = append(issues, fmt.Sprintf("broker.sweep_schedule: %v", err))
	}
	if !c.Broker.DefaultPermissionMode.Valid() {
		issues = append(issues, fmt.Sprintf("broker.default_permission_mode %q is not a known mode", c.Broker.DefaultPermissionMode))
	}
	if c.Broker.MaxTurns < 0 {
		issues = append(issues, "broker.max_turns must not be negative")
	}
	if c.Broker.MaxBudgetUSD < 0 {
		issues = append(issues, "broker.max_budget_usd must not be negative")
	}
	if c.Runtime.Driver != "claude" {
		issues = append(issues, fmt.Sprintf("runtime.driver %q is not supported", c.Runtime.Driver))
	}
	for i, m := range c.Runtime.Models {
		if strings.TrimSpace(m.Value) == "" {
			issues = append(issues, fmt.Sprintf("runtime.models[%d].value is required", i))
		}
	}

	switch c.Storage.Driver {
	case sessions.DriverJSON, sessions.DriverSQLite, sessions.DriverMemory:
	case sessions.DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			issues = append(issues, "storage.dsn is required for the postgres driver")
		}
	case sessions.DriverS3:
		if strings.TrimSpace(c.Storage.S3.Bucket) == "" {
			issues = append(issues, "storage.s3.bucket is required for the s3 driver")
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not a known level", c.Logging.Level))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be within [0, 1]")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

// StoreConfig maps the storage section onto the session store settings.
func (c *Config) StoreConfig() sessions.StoreConfig {
	return sessions.StoreConfig{
		Driver: c.Storage.Driver,
		Path:   c.Storage.Path,
		DSN:    c.Storage.DSN,
		S3:     c.Storage.S3,
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}
