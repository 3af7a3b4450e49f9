// Package config loads orchestrator configuration from an optional YAML
// file, overridden by environment variables. Environment always wins so
// containerized deployments can tune a shared config file per instance.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds everything the orchestrator process needs at startup.
type Config struct {
	// Storage
	DBPath string `yaml:"db_path" env:"FLOW_DB_PATH"`

	// Bot runtime provisioning
	RuntimeRoot string `yaml:"runtime_root" env:"FLOW_RUNTIME_ROOT"`
	Interpreter string `yaml:"interpreter" env:"FLOW_INTERPRETER"`

	// Per-turn execution
	RunTimeout time.Duration `yaml:"run_timeout" env:"FLOW_RUN_TIMEOUT"`

	// Session lifecycle
	SessionTTL  time.Duration `yaml:"session_ttl" env:"FLOW_SESSION_TTL"`
	JanitorCron string        `yaml:"janitor_cron" env:"FLOW_JANITOR_CRON"`

	// Credential sealing key, 32 bytes hex-encoded (AES-256-GCM).
	SealKey string `yaml:"seal_key" env:"FLOW_SEAL_KEY"`

	LogLevel string `yaml:"log_level" env:"FLOW_LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:      "flow.db",
		RuntimeRoot: "bots",
		Interpreter: "python3",
		RunTimeout:  60 * time.Second,
		SessionTTL:  24 * time.Hour,
		JanitorCron: "*/30 * * * *",
		LogLevel:    "info",
	}
}

// Load reads the YAML file at path (if it exists) on top of defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
