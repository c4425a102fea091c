// Package config loads cliscope server configuration from the environment,
// with an optional YAML file as a base layer. Environment variables always
// win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// InsecureDefaultSalt is the hash salt used when HASH_SALT is not set.
// It exists so development setups work out of the box; production
// deployments must override it.
const InsecureDefaultSalt = "cliscope-default-salt-change-in-production"

// Config holds all server settings.
type Config struct {
	// DatabasePath is the SQLite database file path.
	DatabasePath string `yaml:"database_path"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// SessionTimeoutMinutes is the inactivity gap that closes a session
	// (and a workflow) during inference.
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// HashSalt salts actor/machine identifier hashing.
	HashSalt string `yaml:"hash_salt"`

	// EntryCommands start a new workflow when seen as the last token of
	// a command path. Empty means the built-in defaults.
	EntryCommands []string `yaml:"entry_commands"`

	// TerminalCommands end a workflow when seen as the last token of a
	// command path. Empty means the built-in defaults.
	TerminalCommands []string `yaml:"terminal_commands"`

	// IngestRPS and IngestBurst bound the /ingest endpoint rate.
	// IngestRPS <= 0 disables rate limiting.
	IngestRPS   float64 `yaml:"ingest_rps"`
	IngestBurst int     `yaml:"ingest_burst"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DatabasePath:          "cliscope.db",
		ListenAddr:            ":8080",
		SessionTimeoutMinutes: 30,
		LogLevel:              "info",
		HashSalt:              InsecureDefaultSalt,
		IngestRPS:             0,
		IngestBurst:           0,
	}
}

// Load builds the configuration from defaults, an optional YAML file
// named by CLISCOPE_CONFIG, and environment variables, in that order.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CLISCOPE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLISCOPE_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CLISCOPE_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTimeoutMinutes = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HASH_SALT"); v != "" {
		cfg.HashSalt = v
	}
	if v := os.Getenv("CLISCOPE_ENTRY_COMMANDS"); v != "" {
		cfg.EntryCommands = splitList(v)
	}
	if v := os.Getenv("CLISCOPE_TERMINAL_COMMANDS"); v != "" {
		cfg.TerminalCommands = splitList(v)
	}
	if v := os.Getenv("CLISCOPE_INGEST_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.IngestRPS = f
		}
	}
	if v := os.Getenv("CLISCOPE_INGEST_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IngestBurst = n
		}
	}
}

// splitList splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("session_timeout_minutes must be positive, got %d", c.SessionTimeoutMinutes)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.HashSalt == "" {
		return fmt.Errorf("hash_salt is required")
	}
	return nil
}

// UsingInsecureSalt reports whether the hash salt is still the
// development default.
func (c *Config) UsingInsecureSalt() bool {
	return c.HashSalt == InsecureDefaultSalt
}
