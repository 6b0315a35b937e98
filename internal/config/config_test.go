package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test. Empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix) {
			t.Setenv(name, "")
		}
	}
	for _, name := range []string{"PORT", "ENV", "GO_ENV", "DATABASE_URL", "REDIS_URL", "JWT_SECRET", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg.Port != DefaultPort || cfg.Env != DefaultEnv {
		t.Errorf("port/env = %d/%s", cfg.Port, cfg.Env)
	}
	if cfg.StorageDriver != DriverSQLite {
		t.Errorf("storage driver = %s, want sqlite", cfg.StorageDriver)
	}
	if cfg.SQLitePath() != filepath.Join(DefaultMetricsRoot, "events.db") {
		t.Errorf("sqlite path = %s", cfg.SQLitePath())
	}
	if len(cfg.BucketWidths) != 2 || cfg.BucketWidths[0] != time.Minute || cfg.BucketWidths[1] != 24*time.Hour {
		t.Errorf("bucket widths = %v", cfg.BucketWidths)
	}
	if cfg.AnomalyK != DefaultAnomalyK || cfg.AnomalyWindow != DefaultAnomalyWindow {
		t.Errorf("anomaly = %v/%d", cfg.AnomalyK, cfg.AnomalyWindow)
	}
	if cfg.AuthEnabled || cfg.TracingEnabled || cfg.ProfilingEnabled {
		t.Error("optional features should default off")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
port: 9000
env: staging
queue_size: 64
bucket_widths: [30s, 1h]
cors_origins: [https://dash.example.com]
process_timeout: 2500
anomaly_k: 2.5
`)
	t.Setenv("HOOKPULSE_QUEUE_SIZE", "128")
	t.Setenv("PORT", "9100")

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg.Port != 9100 {
		t.Errorf("port = %d, want env value 9100", cfg.Port)
	}
	if cfg.QueueSize != 128 {
		t.Errorf("queue size = %d, want env value 128", cfg.QueueSize)
	}
	if cfg.Env != "staging" {
		t.Errorf("env = %s, want file value", cfg.Env)
	}
	if len(cfg.BucketWidths) != 2 || cfg.BucketWidths[0] != 30*time.Second || cfg.BucketWidths[1] != time.Hour {
		t.Errorf("bucket widths = %v", cfg.BucketWidths)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://dash.example.com" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
	if cfg.ProcessTimeout != 2500*time.Millisecond {
		t.Errorf("process timeout = %s, want 2.5s from bare milliseconds", cfg.ProcessTimeout)
	}
	if cfg.AnomalyK != 2.5 {
		t.Errorf("anomaly k = %v", cfg.AnomalyK)
	}
}

func TestLoad_PrefixedBeforeAlias(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOOKPULSE_PORT", "7000")
	t.Setenv("PORT", "7001")

	cfg, _ := Load("")
	if cfg.Port != 7000 {
		t.Errorf("port = %d, want HOOKPULSE_PORT to win", cfg.Port)
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://hp:secret@db:5432/hookpulse")

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if cfg.StorageDriver != DriverPostgres {
		t.Errorf("storage driver = %s, want postgres", cfg.StorageDriver)
	}

	t.Setenv("HOOKPULSE_STORAGE_DRIVER", "memory")
	cfg, _ = Load("")
	if cfg.StorageDriver != DriverMemory {
		t.Errorf("explicit driver ignored: %s", cfg.StorageDriver)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"port", "PORT", "eighty"},
		{"workers", "HOOKPULSE_WORKERS", "many"},
		{"epsilon", "HOOKPULSE_SCORE_EPSILON", "small"},
		{"bool", "HOOKPULSE_AUTH_ENABLED", "perhaps"},
		{"duration", "HOOKPULSE_SCORE_INTERVAL", "soon"},
		{"widths", "HOOKPULSE_BUCKET_WIDTHS", "1m,daily"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, errs := Load("")
			if len(errs) == 0 {
				t.Fatal("expected a parse error")
			}
			if !strings.Contains(errs[0].Error(), tt.key) && tt.name != "widths" {
				t.Errorf("error %q should name %s", errs[0], tt.key)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	cfg, errs := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg != nil || len(errs) != 1 {
		t.Fatalf("expected a single load error, got %v", errs)
	}
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		clearEnv(t)
		cfg, errs := Load("")
		if len(errs) != 0 {
			t.Fatalf("defaults invalid: %v", errs)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"unknown driver", func(c *Config) { c.StorageDriver = "mongo" }, ErrUnknownStorageDriver},
		{"postgres without url", func(c *Config) { c.StorageDriver = DriverPostgres }, ErrMissingDatabaseURL},
		{"sqlite without root", func(c *Config) { c.MetricsRoot = "" }, ErrMissingMetricsRoot},
		{"no hooks file", func(c *Config) { c.HooksFile = "" }, ErrMissingHooksFile},
		{"auth without secret", func(c *Config) { c.AuthEnabled = true }, ErrMissingJWTSecret},
		{"weak secret", func(c *Config) { c.AuthEnabled = true; c.JWTSecret = "short" }, ErrWeakJWTSecret},
		{"no widths", func(c *Config) { c.BucketWidths = nil }, ErrInvalidValue},
		{"sub-second width", func(c *Config) { c.BucketWidths = []time.Duration{time.Millisecond} }, ErrInvalidValue},
		{"duplicate width", func(c *Config) { c.BucketWidths = []time.Duration{time.Minute, time.Minute} }, ErrInvalidValue},
		{"zero interval", func(c *Config) { c.ScoreInterval = 0 }, ErrInvalidValue},
		{"window too small", func(c *Config) { c.AnomalyWindow = c.AnomalyMinSamples }, ErrInvalidValue},
		{"bad exporter", func(c *Config) { c.TracingEnabled = true; c.TracingExporter = "zipkin" }, ErrInvalidValue},
		{"bad sample rate", func(c *Config) { c.TracingEnabled = true; c.TracingSampleRate = 2 }, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid(t)
			tt.mutate(cfg)

			errs := cfg.Validate()
			found := false
			for _, err := range errs {
				if errors.Is(err, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %v in %v", tt.wantErr, errs)
			}
		})
	}
}

func TestLogSummary_MasksSecrets(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "postgres://hookpulse:hunter2@db:5432/hookpulse",
		RedisURL:    "redis://:redispass@cache:6379/0",
		JWTSecret:   "supersecret32characterlongvalue!",
	}

	summary := cfg.LogSummary()
	for key, val := range summary {
		for _, secret := range []string{"hunter2", "redispass", "supersecret32"} {
			if strings.Contains(val, secret) {
				t.Errorf("%s leaks %q: %s", key, secret, val)
			}
		}
	}
	if summary["database_url"] != "postgres://hookpulse:****@db:5432/hookpulse" {
		t.Errorf("database_url = %s", summary["database_url"])
	}
	if summary["jwt_previous_secret"] != "<not set>" {
		t.Errorf("jwt_previous_secret = %s", summary["jwt_previous_secret"])
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "<not set>"},
		{"short", "****"},
		{"longenoughsecret", "long****"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
