package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/rendis/buildcore/pkg/schema"
)

// Config holds all buildcore configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Parallelism   int      `json:"parallelism" env:"PARALLELISM"`
	FailurePolicy string   `json:"failure_policy" env:"FAILURE_POLICY"`
	LogLevel      string   `json:"log_level" env:"LOG_LEVEL"`
	LogFormat     string   `json:"log_format" env:"LOG_FORMAT"`
	CacheDB       string   `json:"cache_db" env:"CACHE_DB"`
	CacheBackend  string   `json:"cache_backend" env:"CACHE_BACKEND"`
	PruneSchedule string   `json:"prune_schedule" env:"PRUNE_SCHEDULE"`
	PruneMaxAge   Duration `json:"prune_max_age" env:"PRUNE_MAX_AGE"`
	HistoryMaxAge Duration `json:"history_max_age" env:"HISTORY_MAX_AGE"`
	HTTPAddr      string   `json:"http_addr" env:"HTTP_ADDR"`
	WorkDir       string   `json:"work_dir" env:"WORK_DIR"`
	ShellPassEnv  []string `json:"shell_pass_env" env:"SHELL_PASS_ENV" envSeparator:","`
	ShellTimeout  Duration `json:"shell_timeout" env:"SHELL_TIMEOUT"`
	ShellDeny     []string `json:"shell_deny_paths" env:"SHELL_DENY_PATHS" envSeparator:","`
}

// Duration reads "72h" style values from settings.json and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

const envPrefix = "BUILDCORE_"

func defaultConfig(dir string) Config {
	return Config{
		FailurePolicy: string(schema.FailFast),
		LogLevel:      "info",
		LogFormat:     "text",
		CacheDB:       filepath.Join(dir, "buildcore.db"),
		CacheBackend:  "libsql",
		PruneSchedule: "@daily",
		PruneMaxAge:   Duration(30 * 24 * time.Hour),
		HistoryMaxAge: Duration(90 * 24 * time.Hour),
		WorkDir:       ".",
	}
}

func buildcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".buildcore"
	}
	return filepath.Join(home, ".buildcore")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// loadConfig layers settings.json from dir and the environment over the
// defaults. A nil environ reads the process environment.
func loadConfig(dir string, environ map[string]string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings.json (ignore if missing).
	data, err := os.ReadFile(settingsPath(dir))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	// Layer 3: env vars override.
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	if _, err := schema.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return err
	}
	switch c.CacheBackend {
	case "memory", "libsql":
	default:
		return fmt.Errorf("cache_backend must be memory or libsql, got %q", c.CacheBackend)
	}
	return nil
}
