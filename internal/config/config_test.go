package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dantte-lp/gokvd/internal/config"
)

// clearEnv removes every documented GOKVD_ variable so tests see only what
// they set themselves.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GOKVD_API_KEY", "GOKVD_A", "GOKVD_B", "GOKVD_PORT",
		"GOKVD_METRICS_ADDR", "GOKVD_METRICS_PATH",
		"GOKVD_LOG_LEVEL", "GOKVD_LOG_FORMAT", "GOKVD_MAX_SESSION_BUFFER",
	} {
		t.Setenv(name, "")
		_ = os.Unsetenv(name)
	}
}

func TestLoadDefaultsWithAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOKVD_API_KEY", "secret")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Auth.APIKey)
	}
	if cfg.Tree.A != 2 || cfg.Tree.B != 3 {
		t.Errorf("tree bounds = (%d, %d), want (2, 3)", cfg.Tree.A, cfg.Tree.B)
	}
	if cfg.Listen.Port != 3000 {
		t.Errorf("port = %d, want 3000", cfg.Listen.Port)
	}

	capBytes, err := cfg.Limits.MaxSessionBufferBytes()
	if err != nil {
		t.Fatalf("MaxSessionBufferBytes: %v", err)
	}
	if capBytes != 64<<20 {
		t.Errorf("buffer cap = %d, want 64MB", capBytes)
	}
}

func TestLoadMissingAPIKey(t *testing.T) {
	clearEnv(t)

	if _, err := config.Load(""); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("Load error = %v, want %v", err, config.ErrMissingAPIKey)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOKVD_API_KEY", "S")
	t.Setenv("GOKVD_A", "3")
	t.Setenv("GOKVD_B", "6")
	t.Setenv("GOKVD_PORT", "4000")
	t.Setenv("GOKVD_LOG_LEVEL", "debug")
	t.Setenv("GOKVD_MAX_SESSION_BUFFER", "1MB")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Tree.A != 3 || cfg.Tree.B != 6 {
		t.Errorf("tree bounds = (%d, %d), want (3, 6)", cfg.Tree.A, cfg.Tree.B)
	}
	if cfg.Listen.Port != 4000 {
		t.Errorf("port = %d, want 4000", cfg.Listen.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadYAMLFileUnderEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOKVD_API_KEY", "from-env")
	t.Setenv("GOKVD_PORT", "5000")

	path := filepath.Join(t.TempDir(), "gokvd.yaml")
	yaml := "listen:\n  port: 4000\ntree:\n  a: 2\n  b: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Env beats file; file beats defaults.
	if cfg.Listen.Port != 5000 {
		t.Errorf("port = %d, want env override 5000", cfg.Listen.Port)
	}
	if cfg.Tree.B != 5 {
		t.Errorf("tree.b = %d, want file value 5", cfg.Tree.B)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		wantErr error
	}{
		{
			name:    "a below 2",
			mutate:  func(cfg *config.Config) { cfg.Tree.A = 1 },
			wantErr: config.ErrInvalidTreeA,
		},
		{
			name:    "b below 2a-1",
			mutate:  func(cfg *config.Config) { cfg.Tree.A = 3; cfg.Tree.B = 4 },
			wantErr: config.ErrInvalidTreeB,
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *config.Config) { cfg.Listen.Port = 70000 },
			wantErr: config.ErrInvalidPort,
		},
		{
			name:    "negative port",
			mutate:  func(cfg *config.Config) { cfg.Listen.Port = -1 },
			wantErr: config.ErrInvalidPort,
		},
		{
			name:    "empty api key",
			mutate:  func(cfg *config.Config) { cfg.Auth.APIKey = "" },
			wantErr: config.ErrMissingAPIKey,
		},
		{
			name:    "zero buffer cap",
			mutate:  func(cfg *config.Config) { cfg.Limits.MaxSessionBuffer = "0" },
			wantErr: config.ErrInvalidBufferCap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Auth.APIKey = "secret"
			tt.mutate(cfg)

			if err := config.Validate(cfg); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
