// Package config provides configuration loading and validation for the
// pipeline server. It uses koanf to read an optional YAML file and lets
// environment variables override every value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable the server reads, e.g.
// HOOKPULSE_QUEUE_SIZE for queue_size.
const EnvPrefix = "HOOKPULSE_"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration values for the pipeline server.
type Config struct {
	// Server settings
	Port            int    `koanf:"port"`
	Env             string `koanf:"env"`
	MaxPayloadBytes int64  `koanf:"max_payload_bytes"`

	// Storage
	StorageDriver string `koanf:"storage_driver"`
	MetricsRoot   string `koanf:"metrics_root"`
	DatabaseURL   string `koanf:"database_url"`

	// Hook configuration document, watched for changes.
	HooksFile string `koanf:"hooks_file"`

	// Ingestion
	Workers        int           `koanf:"workers"`
	QueueSize      int           `koanf:"queue_size"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`
	MaxFutureSkew  time.Duration `koanf:"max_future_skew"`
	MaxPastAge     time.Duration `koanf:"max_past_age"`
	ReplayCapacity int           `koanf:"replay_capacity"`
	// RecoverWindow is how far back the event log is replayed at startup.
	RecoverWindow time.Duration `koanf:"recover_window"`

	// Aggregation
	BucketWidths     []time.Duration `koanf:"bucket_widths"`
	SessionRetention time.Duration   `koanf:"session_retention"`

	// Scoring and anomaly detection
	ScoreEpsilon      float64 `koanf:"score_epsilon"`
	AnomalyWindow     int     `koanf:"anomaly_window"`
	AnomalyMinSamples int     `koanf:"anomaly_min_samples"`
	AnomalyK          float64 `koanf:"anomaly_k"`

	// Background jobs
	BucketCloseInterval time.Duration `koanf:"bucket_close_interval"`
	ScoreInterval       time.Duration `koanf:"score_interval"`
	ReplayInterval      time.Duration `koanf:"replay_interval"`
	PruneInterval       time.Duration `koanf:"prune_interval"`

	// Redis relays live updates between instances and backs rate limiting.
	// Empty disables both.
	RedisURL     string `koanf:"redis_url"`
	RelayChannel string `koanf:"relay_channel"`

	// Authentication
	AuthEnabled       bool   `koanf:"auth_enabled"`
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// HTTP
	CORSOrigins      []string `koanf:"cors_origins"`
	HookRateLimit    int      `koanf:"hook_rate_limit"`  // requests per minute, 0 disables
	QueryRateLimit   int      `koanf:"query_rate_limit"` // requests per minute, 0 disables
	ReadyQueueLimit  int      `koanf:"ready_queue_limit"`
	ProfilingEnabled bool     `koanf:"profiling_enabled"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrInvalidPort          = errors.New("PORT must be a valid port number")
	ErrInvalidValue         = errors.New("invalid configuration value")
	ErrMissingDatabaseURL   = errors.New("DATABASE_URL is required for the postgres driver")
	ErrMissingMetricsRoot   = errors.New("HOOKPULSE_METRICS_ROOT is required for the sqlite driver")
	ErrMissingHooksFile     = errors.New("HOOKPULSE_HOOKS_FILE is required")
	ErrMissingJWTSecret     = errors.New("HOOKPULSE_JWT_SECRET is required when auth is enabled")
	ErrWeakJWTSecret        = errors.New("HOOKPULSE_JWT_SECRET must be at least 32 characters")
	ErrUnknownStorageDriver = errors.New("HOOKPULSE_STORAGE_DRIVER must be sqlite, postgres or memory")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultMaxPayloadBytes     = 1 << 20
	DefaultMetricsRoot         = "./metrics"
	DefaultHooksFile           = "./hooks.yaml"
	DefaultQueueSize           = 1024
	DefaultProcessTimeout      = 10 * time.Second
	DefaultMaxFutureSkew       = 5 * time.Minute
	DefaultMaxPastAge          = 30 * 24 * time.Hour
	DefaultReplayCapacity      = 10000
	DefaultRecoverWindow       = 48 * time.Hour
	DefaultSessionRetention    = 24 * time.Hour
	DefaultScoreEpsilon        = 2.0
	DefaultAnomalyWindow       = 20
	DefaultAnomalyMinSamples   = 5
	DefaultAnomalyK            = 3.0
	DefaultBucketCloseInterval = 5 * time.Second
	DefaultScoreInterval       = 30 * time.Second
	DefaultReplayInterval      = 5 * time.Second
	DefaultPruneInterval       = 10 * time.Minute
	DefaultRelayChannel        = "hookpulse:activity"
	DefaultHookRateLimit       = 600
	DefaultQueryRateLimit      = 120
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSampleRate   = 0.1
)

// DefaultBucketWidths are the real-time and trend resolutions.
var DefaultBucketWidths = []time.Duration{time.Minute, 24 * time.Hour}

// loader resolves one value at a time: the first set environment variable
// wins, then the file, then the default. Parse errors are collected.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

// env returns the first non-empty variable among HOOKPULSE_<KEY> and aliases.
func (l *loader) env(key string, aliases []string) (string, string, bool) {
	names := append([]string{EnvPrefix + strings.ToUpper(key)}, aliases...)
	for _, name := range names {
		if val := os.Getenv(name); val != "" {
			return name, val, true
		}
	}
	return "", "", false
}

func (l *loader) str(key, def string, aliases ...string) string {
	if _, val, ok := l.env(key, aliases); ok {
		return val
	}
	if v := l.k.String(key); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int, aliases ...string) int {
	if name, val, ok := l.env(key, aliases); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s must be a valid integer: %w", name, ErrInvalidValue))
			return def
		}
		return i
	}
	if l.k.Exists(key) {
		return l.k.Int(key)
	}
	return def
}

func (l *loader) float(key string, def float64) float64 {
	if name, val, ok := l.env(key, nil); ok {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s must be a valid number: %w", name, ErrInvalidValue))
			return def
		}
		return f
	}
	if l.k.Exists(key) {
		return l.k.Float64(key)
	}
	return def
}

func (l *loader) boolean(key string, def bool) bool {
	raw := ""
	name := key
	if n, val, ok := l.env(key, nil); ok {
		name, raw = n, val
	} else if l.k.Exists(key) {
		raw = l.k.String(key)
	}
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	l.errs = append(l.errs, fmt.Errorf("%s must be a boolean: %w", name, ErrInvalidValue))
	return def
}

// duration accepts Go duration strings ("90s", "24h") or, from the file, bare
// integers as milliseconds.
func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := ""
	name := key
	if n, val, ok := l.env(key, nil); ok {
		name, raw = n, val
	} else if l.k.Exists(key) {
		raw = l.k.String(key)
	}
	if raw == "" {
		return def
	}
	d, err := parseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a duration such as 30s: %w", name, ErrInvalidValue))
		return def
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// list reads a comma separated env value or a YAML sequence.
func (l *loader) list(key string, def []string) []string {
	var items []string
	if _, val, ok := l.env(key, nil); ok {
		items = strings.Split(val, ",")
	} else if l.k.Exists(key) {
		items = l.k.Strings(key)
		if len(items) == 0 {
			items = strings.Split(l.k.String(key), ",")
		}
	} else {
		return def
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func (l *loader) durations(key string, def []time.Duration) []time.Duration {
	raw := l.list(key, nil)
	if raw == nil {
		return def
	}
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := parseDuration(s)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s entry %q must be a duration: %w", key, s, ErrInvalidValue))
			continue
		}
		out = append(out, d)
	}
	return out
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}
	l := &loader{k: k}

	cfg := &Config{
		Port:            l.integer("port", DefaultPort, "PORT"),
		Env:             l.str("env", DefaultEnv, "ENV", "GO_ENV"),
		MaxPayloadBytes: int64(l.integer("max_payload_bytes", DefaultMaxPayloadBytes)),

		MetricsRoot: l.str("metrics_root", DefaultMetricsRoot),
		DatabaseURL: l.str("database_url", "", "DATABASE_URL"),
		HooksFile:   l.str("hooks_file", DefaultHooksFile),

		Workers:        l.integer("workers", 0),
		QueueSize:      l.integer("queue_size", DefaultQueueSize),
		ProcessTimeout: l.duration("process_timeout", DefaultProcessTimeout),
		MaxFutureSkew:  l.duration("max_future_skew", DefaultMaxFutureSkew),
		MaxPastAge:     l.duration("max_past_age", DefaultMaxPastAge),
		ReplayCapacity: l.integer("replay_capacity", DefaultReplayCapacity),
		RecoverWindow:  l.duration("recover_window", DefaultRecoverWindow),

		BucketWidths:     l.durations("bucket_widths", DefaultBucketWidths),
		SessionRetention: l.duration("session_retention", DefaultSessionRetention),

		ScoreEpsilon:      l.float("score_epsilon", DefaultScoreEpsilon),
		AnomalyWindow:     l.integer("anomaly_window", DefaultAnomalyWindow),
		AnomalyMinSamples: l.integer("anomaly_min_samples", DefaultAnomalyMinSamples),
		AnomalyK:          l.float("anomaly_k", DefaultAnomalyK),

		BucketCloseInterval: l.duration("bucket_close_interval", DefaultBucketCloseInterval),
		ScoreInterval:       l.duration("score_interval", DefaultScoreInterval),
		ReplayInterval:      l.duration("replay_interval", DefaultReplayInterval),
		PruneInterval:       l.duration("prune_interval", DefaultPruneInterval),

		RedisURL:     l.str("redis_url", "", "REDIS_URL"),
		RelayChannel: l.str("relay_channel", DefaultRelayChannel),

		AuthEnabled:       l.boolean("auth_enabled", false),
		JWTSecret:         l.str("jwt_secret", "", "JWT_SECRET"),
		JWTPreviousSecret: l.str("jwt_previous_secret", ""),

		CORSOrigins:      l.list("cors_origins", nil),
		HookRateLimit:    l.integer("hook_rate_limit", DefaultHookRateLimit),
		QueryRateLimit:   l.integer("query_rate_limit", DefaultQueryRateLimit),
		ReadyQueueLimit:  l.integer("ready_queue_limit", 0),
		ProfilingEnabled: l.boolean("profiling_enabled", false),

		TracingEnabled:    l.boolean("tracing_enabled", false),
		TracingExporter:   l.str("tracing_exporter", DefaultTracingExporter),
		OTLPEndpoint:      l.str("otlp_endpoint", "", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingSampleRate: l.float("tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:   l.boolean("tracing_insecure", false),
	}

	// A DATABASE_URL alone selects postgres.
	defDriver := DriverSQLite
	if cfg.DatabaseURL != "" {
		defDriver = DriverPostgres
	}
	cfg.StorageDriver = strings.ToLower(l.str("storage_driver", defDriver))

	return cfg, append(l.errs, cfg.Validate()...)
}

// SQLitePath is the event database inside the metrics root.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.MetricsRoot, "events.db")
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate checks that the configuration is complete and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...)))
	}

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w (got %d)", ErrInvalidPort, c.Port))
	}

	switch c.StorageDriver {
	case DriverSQLite:
		if c.MetricsRoot == "" {
			errs = append(errs, ErrMissingMetricsRoot)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case DriverMemory:
	default:
		errs = append(errs, ErrUnknownStorageDriver)
	}

	if c.HooksFile == "" {
		errs = append(errs, ErrMissingHooksFile)
	}
	if c.MaxPayloadBytes <= 0 {
		invalid("max_payload_bytes must be > 0")
	}
	if c.Workers < 0 {
		invalid("workers must not be negative")
	}
	if c.QueueSize <= 0 {
		invalid("queue_size must be > 0")
	}
	if c.ReplayCapacity <= 0 {
		invalid("replay_capacity must be > 0")
	}

	if len(c.BucketWidths) == 0 {
		invalid("bucket_widths must list at least one width")
	}
	seen := make(map[time.Duration]bool, len(c.BucketWidths))
	for _, w := range c.BucketWidths {
		if w < time.Second {
			invalid("bucket width %s must be at least 1s", w)
		}
		if seen[w] {
			invalid("bucket width %s listed twice", w)
		}
		seen[w] = true
	}

	for name, d := range map[string]time.Duration{
		"process_timeout":       c.ProcessTimeout,
		"bucket_close_interval": c.BucketCloseInterval,
		"score_interval":        c.ScoreInterval,
		"replay_interval":       c.ReplayInterval,
		"prune_interval":        c.PruneInterval,
		"max_future_skew":       c.MaxFutureSkew,
		"max_past_age":          c.MaxPastAge,
	} {
		if d <= 0 {
			invalid("%s must be > 0", name)
		}
	}

	if c.ScoreEpsilon < 0 {
		invalid("score_epsilon must not be negative")
	}
	if c.AnomalyK <= 0 {
		invalid("anomaly_k must be > 0")
	}
	if c.AnomalyMinSamples < 2 || c.AnomalyWindow <= c.AnomalyMinSamples {
		invalid("anomaly_window (%d) must exceed anomaly_min_samples (%d), which must be at least 2",
			c.AnomalyWindow, c.AnomalyMinSamples)
	}

	if c.AuthEnabled {
		switch {
		case c.JWTSecret == "":
			errs = append(errs, ErrMissingJWTSecret)
		case len(c.JWTSecret) < 32:
			errs = append(errs, ErrWeakJWTSecret)
		}
	}
	if c.HookRateLimit < 0 || c.QueryRateLimit < 0 {
		invalid("rate limits must not be negative")
	}

	if c.TracingEnabled {
		switch c.TracingExporter {
		case "otlp-http", "otlp-grpc":
		default:
			invalid("tracing_exporter must be otlp-http or otlp-grpc")
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			invalid("tracing_sample_rate must be between 0 and 1")
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	widths := make([]string, len(c.BucketWidths))
	for i, w := range c.BucketWidths {
		widths[i] = w.String()
	}
	return map[string]string{
		"port":                fmt.Sprintf("%d", c.Port),
		"env":                 c.Env,
		"storage_driver":      c.StorageDriver,
		"metrics_root":        c.MetricsRoot,
		"database_url":        maskDatabaseURL(c.DatabaseURL),
		"hooks_file":          c.HooksFile,
		"workers":             fmt.Sprintf("%d", c.Workers),
		"queue_size":          fmt.Sprintf("%d", c.QueueSize),
		"bucket_widths":       strings.Join(widths, ","),
		"redis_url":           maskDatabaseURL(c.RedisURL),
		"auth_enabled":        fmt.Sprintf("%t", c.AuthEnabled),
		"jwt_secret":          maskSecret(c.JWTSecret),
		"jwt_previous_secret": maskSecret(c.JWTPreviousSecret),
		"cors_origins":        strings.Join(c.CORSOrigins, ","),
		"tracing_enabled":     fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":       c.OTLPEndpoint,
		"profiling_enabled":   fmt.Sprintf("%t", c.ProfilingEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL
// (postgres://, redis://, rediss://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // no credentials
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // username only
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
