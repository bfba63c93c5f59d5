package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
version: 1
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadRequiresVersion(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
server:
  http_port: 9000
`)

	_, err := Load(path)
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VersionError, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
version: 1
data_dir: /var/lib/conduit
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Server.HTTPPort != 8765 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Broker.BufferSize != sessions.DefaultBufferSize {
		t.Errorf("buffer_size = %d, want %d", cfg.Broker.BufferSize, sessions.DefaultBufferSize)
	}
	if cfg.Broker.MaxFieldBytes != sessions.DefaultMaxFieldBytes {
		t.Errorf("max_field_bytes = %d, want %d", cfg.Broker.MaxFieldBytes, sessions.DefaultMaxFieldBytes)
	}
	if cfg.Broker.PermissionTimeout != 5*time.Minute {
		t.Errorf("permission_timeout = %v, want 5m", cfg.Broker.PermissionTimeout)
	}
	if cfg.Broker.Retention != 30*time.Minute {
		t.Errorf("retention = %v, want 30m", cfg.Broker.Retention)
	}
	if cfg.Broker.DefaultPermissionMode != models.PermissionModeDefault {
		t.Errorf("default_permission_mode = %q", cfg.Broker.DefaultPermissionMode)
	}
	if cfg.Storage.Driver != sessions.DriverJSON {
		t.Errorf("storage.driver = %q, want json", cfg.Storage.Driver)
	}
	if want := filepath.Join("/var/lib/conduit", "sessions.json"); cfg.Storage.Path != want {
		t.Errorf("storage.path = %q, want %q", cfg.Storage.Path, want)
	}
	if !cfg.History.WatchEnabled() || !cfg.Observability.MetricsOn() {
		t.Errorf("watch and metrics should default on")
	}
	if cfg.Addr() != "127.0.0.1:8765" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadParsesSections(t *testing.T) {
	t.Setenv("CONDUIT_TEST_DSN", "postgres://conduit@db/conduit")
	path := writeConfig(t, "conduit.yaml", `
version: 1
broker:
  buffer_size: 200
  persist_tail: 20
  permission_timeout: 90s
  retention: 1h
  sweep_schedule: "*/5 * * * *"
  default_permission_mode: acceptEdits
  allowed_tools: ["Read", "Grep"]
runtime:
  binary: /opt/claude/bin/claude
  models:
    - value: opus
      display_name: Opus
storage:
  driver: postgres
  dsn: ${CONDUIT_TEST_DSN}
history:
  root: /tmp/projects
  watch: false
  debounce: 2s
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Broker.BufferSize != 200 || cfg.Broker.PersistTail != 20 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.PermissionTimeout != 90*time.Second || cfg.Broker.Retention != time.Hour {
		t.Errorf("broker durations = %v, %v", cfg.Broker.PermissionTimeout, cfg.Broker.Retention)
	}
	if cfg.Broker.DefaultPermissionMode != models.PermissionModeAcceptEdits {
		t.Errorf("default_permission_mode = %q", cfg.Broker.DefaultPermissionMode)
	}
	if len(cfg.Runtime.Models) != 1 || cfg.Runtime.Models[0].DisplayName != "Opus" {
		t.Errorf("runtime.models = %+v", cfg.Runtime.Models)
	}
	store := cfg.StoreConfig()
	if store.Driver != sessions.DriverPostgres || store.DSN != "postgres://conduit@db/conduit" {
		t.Errorf("StoreConfig() = %+v", store)
	}
	if cfg.History.WatchEnabled() || cfg.History.Debounce != 2*time.Second {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown permission mode",
			body: "broker:\n  default_permission_mode: yolo\n",
			want: "default_permission_mode",
		},
		{
			name: "bad sweep schedule",
			body: "broker:\n  sweep_schedule: every so often\n",
			want: "sweep_schedule",
		},
		{
			name: "tiny field cap",
			body: "broker:\n  max_field_bytes: 512\n",
			want: "broker.max_field_bytes",
		},
		{
			name: "huge field cap",
			body: "broker:\n  max_field_bytes: 1048576\n",
			want: "broker.max_field_bytes",
		},
		{
			name: "postgres without dsn",
			body: "storage:\n  driver: postgres\n",
			want: "storage.dsn",
		},
		{
			name: "s3 without bucket",
			body: "storage:\n  driver: s3\n",
			want: "storage.s3.bucket",
		},
		{
			name: "unknown storage driver",
			body: "storage:\n  driver: etcd\n",
			want: "storage.driver",
		},
		{
			name: "unsupported runtime",
			body: "runtime:\n  driver: codex\n",
			want: "runtime.driver",
		},
		{
			name: "log format",
			body: "logging:\n  format: xml\n",
			want: "logging.format",
		},
		{
			name: "sampling rate",
			body: "observability:\n  tracing:\n    sampling_rate: 2\n",
			want: "sampling_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "conduit.yaml", "version: 1\n"+tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %s error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadJSON5WithInclude(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("version: 1\nbroker:\n  buffer_size: 300\n  persist_tail: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "conduit.json5")
	body := `{
  // overrides the included buffer size
  "$include": "base.yaml",
  broker: { buffer_size: 400 },
  server: { http_port: 9100, },
}`
	if err := os.WriteFile(main, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Broker.BufferSize != 400 {
		t.Errorf("buffer_size = %d, want 400", cfg.Broker.BufferSize)
	}
	if cfg.Broker.PersistTail != 30 {
		t.Errorf("persist_tail = %d, want 30 from include", cfg.Broker.PersistTail)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("http_port = %d, want 9100", cfg.Server.HTTPPort)
	}
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("$include: b.yaml\nversion: 1\n"), 0o644)
	os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Chdir(t.TempDir())

	cfg, path, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if path != "" || cfg.Version != CurrentVersion {
		t.Errorf("expected built-in defaults, got path %q version %d", path, cfg.Version)
	}

	if _, _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}

	envPath := writeConfig(t, "env.yaml", "version: 1\nserver:\n  http_port: 9200\n")
	t.Setenv(EnvConfigPath, envPath)
	cfg, path, err = LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if path != envPath || cfg.Server.HTTPPort != 9200 {
		t.Errorf("expected config from %s, got path %q port %d", EnvConfigPath, path, cfg.Server.HTTPPort)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"version", "broker", "storage", "history", "data_dir"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
