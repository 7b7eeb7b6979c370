package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.File != "tasks.star" || cfg.State != ".assetflow/state.db" || cfg.Parallel {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Watch.Debounce != 100*time.Millisecond || !cfg.Watch.IgnoreHidden {
		t.Errorf("unexpected watch defaults %+v", cfg.Watch)
	}
	if cfg.LogLevel() != zerolog.InfoLevel {
		t.Errorf("unexpected log level %s", cfg.LogLevel())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetflow.toml")
	content := `
file = "build.star"
parallel = true

[log]
level = "debug"

[watch]
debounce = "250ms"

[sass]
command = "dart-sass"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASSETFLOW_SERVE_ADDRESS", "0.0.0.0:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.File != "build.star" || !cfg.Parallel || cfg.Sass.Command != "dart-sass" {
		t.Errorf("file values weren't applied: %+v", cfg)
	}
	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Errorf("unexpected debounce %s", cfg.Watch.Debounce)
	}
	if cfg.LogLevel() != zerolog.DebugLevel {
		t.Errorf("unexpected log level %s", cfg.LogLevel())
	}
	if cfg.Serve.Address != "0.0.0.0:8000" {
		t.Errorf("env value wasn't applied: %q", cfg.Serve.Address)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, loader := Loader(filepath.Join(t.TempDir(), "missing.toml"))
		if err := loader.Load(); err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}

	tests := map[string]func(*Config){
		"log level": func(c *Config) { c.Log.Level = "verbose" },
		"file":      func(c *Config) { c.File = "" },
		"history":   func(c *Config) { c.History = -1 },
		"debounce":  func(c *Config) { c.Watch.Debounce = -time.Second },
		"address":   func(c *Config) { c.Serve.Address = "localhost" },
		"sass":      func(c *Config) { c.Sass.Command = "" },
	}
	for name, mutate := range tests {
		cfg := valid()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
