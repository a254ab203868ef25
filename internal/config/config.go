// Package config manages gokvd daemon configuration using koanf/v2.
//
// Configuration is environment-first: defaults, then an optional YAML file,
// then GOKVD_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gokvd configuration.
type Config struct {
	Auth    AuthConfig    `koanf:"auth"`
	Tree    TreeConfig    `koanf:"tree"`
	Listen  ListenConfig  `koanf:"listen"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Limits  LimitsConfig  `koanf:"limits"`
}

// AuthConfig holds the authentication settings.
type AuthConfig struct {
	// APIKey is the shared secret compared byte-for-byte with the key in
	// every AuthRequest. Required; there is exactly one identity.
	APIKey string `koanf:"api_key"`
}

// TreeConfig holds the (a,b)-tree fan-out bounds.
type TreeConfig struct {
	// A is the lower bound; must be >= 2.
	A int `koanf:"a"`

	// B is the upper bound; must be >= 2a-1.
	B int `koanf:"b"`
}

// ListenConfig holds the protocol listener settings.
type ListenConfig struct {
	// Port is the TCP port the daemon binds on all interfaces.
	Port int `koanf:"port"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g. ":9101"). Empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging settings.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// LimitsConfig holds resource ceilings.
type LimitsConfig struct {
	// MaxSessionBuffer caps the per-session receive buffer, parsed as a
	// human-readable size ("64MB", "1GiB"). A session whose peer overruns
	// the cap is closed with a protocol error.
	MaxSessionBuffer string `koanf:"max_session_buffer"`
}

// MaxSessionBufferBytes parses the buffer cap. Validate has already
// rejected unparsable values.
func (lc LimitsConfig) MaxSessionBufferBytes() (int, error) {
	var sz datasize.ByteSize
	if err := sz.UnmarshalText([]byte(lc.MaxSessionBuffer)); err != nil {
		return 0, fmt.Errorf("parse max_session_buffer %q: %w", lc.MaxSessionBuffer, err)
	}
	if sz.Bytes() == 0 {
		return 0, fmt.Errorf("max_session_buffer %q: %w", lc.MaxSessionBuffer, ErrInvalidBufferCap)
	}
	return int(sz.Bytes()), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the documented defaults.
// The API key has no default; it must always be supplied.
func DefaultConfig() *Config {
	return &Config{
		Tree: TreeConfig{
			A: 2,
			B: 3,
		},
		Listen: ListenConfig{
			Port: 3000,
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Limits: LimitsConfig{
			MaxSessionBuffer: "64MB",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gokvd configuration.
const envPrefix = "GOKVD_"

// envKeys maps documented environment variable names (prefix stripped) to
// configuration keys. Variables outside this table are ignored, so an
// unrelated GOKVD_-prefixed variable cannot corrupt the configuration.
var envKeys = map[string]string{
	"API_KEY":            "auth.api_key",
	"A":                  "tree.a",
	"B":                  "tree.b",
	"PORT":               "listen.port",
	"METRICS_ADDR":       "metrics.addr",
	"METRICS_PATH":       "metrics.path",
	"LOG_LEVEL":          "log.level",
	"LOG_FORMAT":         "log.format",
	"MAX_SESSION_BUFFER": "limits.max_session_buffer",
}

// envKeyMapper translates GOKVD_API_KEY -> auth.api_key and so on.
// Returning "" makes koanf skip the variable.
func envKeyMapper(s string) string {
	return envKeys[strings.TrimPrefix(s, envPrefix)]
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadDefaults installs the default config as the base koanf layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"tree.a":                    defaults.Tree.A,
		"tree.b":                    defaults.Tree.B,
		"listen.port":               defaults.Listen.Port,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"limits.max_session_buffer": defaults.Limits.MaxSessionBuffer,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrMissingAPIKey indicates GOKVD_API_KEY was not supplied.
	ErrMissingAPIKey = errors.New("auth.api_key (GOKVD_API_KEY) is required")

	// ErrInvalidTreeA indicates tree.a below 2.
	ErrInvalidTreeA = errors.New("tree.a must be >= 2")

	// ErrInvalidTreeB indicates tree.b below 2a-1.
	ErrInvalidTreeB = errors.New("tree.b must be >= 2*a - 1")

	// ErrInvalidPort indicates a listen port outside [0, 65535].
	ErrInvalidPort = errors.New("listen.port must be in [0, 65535]")

	// ErrInvalidBufferCap indicates a zero session buffer cap. An
	// unparsable cap reports the size parser's error instead.
	ErrInvalidBufferCap = errors.New("limits.max_session_buffer must be a positive size")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Auth.APIKey == "" {
		return ErrMissingAPIKey
	}

	if cfg.Tree.A < 2 {
		return fmt.Errorf("a=%d: %w", cfg.Tree.A, ErrInvalidTreeA)
	}

	if cfg.Tree.B < 2*cfg.Tree.A-1 {
		return fmt.Errorf("a=%d b=%d: %w", cfg.Tree.A, cfg.Tree.B, ErrInvalidTreeB)
	}

	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("port %d: %w", cfg.Listen.Port, ErrInvalidPort)
	}

	if _, err := cfg.Limits.MaxSessionBufferBytes(); err != nil {
		return err
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
