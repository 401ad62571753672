package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./taskmill.db
  busy_timeout: 5s
pool:
  workers: 8
  default_timeout: 30s
  retry_base: 250ms
  retry_max_delay: 10s
  retry_jitter: 0.2
defaults:
  max_retries: 3
  visibility_timeout: 45s
  lease_margin: 5s
kinds:
  render:
    max_concurrent: 2
    timeout: 2m
schedules:
  - name: nightly-report
    spec: "0 3 * * *"
    kind: report
    payload: '{"scope":"daily"}'
    priority: 1
retention:
  window: 168h
  interval: 15m
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "./taskmill.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Pool.Workers != 8 || cfg.Pool.RetryJitter != 0.2 {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Defaults.MaxRetries != 3 {
		t.Fatalf("defaults = %+v", cfg.Defaults)
	}
	if kc, ok := cfg.Kinds["render"]; !ok || kc.MaxConcurrent != 2 || kc.Timeout != "2m" {
		t.Fatalf("kinds = %+v", cfg.Kinds)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Spec != "0 3 * * *" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if cfg.Retention == nil || cfg.Retention.Window != "168h" {
		t.Fatalf("retention = %+v", cfg.Retention)
	}

	// Manager caches the committed config.
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "pool": {"workers": 2},
  "defaults": {"max_retries": 1}
}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Workers != 2 || cfg.Defaults.MaxRetries != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "pool": {"workres": 2},
  "defaults": {}
}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("typo'd field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"pool":{},"defaults":{}}{"extra":1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad duration", Config{Pool: PoolConfig{RetryBase: "soon"}}},
		{"negative workers", Config{Pool: PoolConfig{Workers: -1}}},
		{"jitter above one", Config{Pool: PoolConfig{RetryJitter: 1.5}}},
		{"negative retries", Config{Defaults: DefaultsConfig{MaxRetries: -1}}},
		{"storage without path", Config{Storage: &StorageConfig{}}},
		{"bad cron spec", Config{Schedules: []ScheduleConfig{{Name: "x", Kind: "k", Spec: "not cron"}}}},
		{"schedule without kind", Config{Schedules: []ScheduleConfig{{Name: "x", Spec: "@hourly"}}}},
		{"duplicate schedule name", Config{Schedules: []ScheduleConfig{
			{Name: "x", Kind: "k", Spec: "@hourly"},
			{Name: "x", Kind: "k", Spec: "@daily"},
		}}},
		{"bad retention window", Config{Retention: &RetentionConfig{Window: "forever"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
