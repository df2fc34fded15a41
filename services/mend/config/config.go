// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the mend service configuration from YAML.
//
// The file lives at ~/.mend/mend.yaml by default and is created with
// defaults on first run. Fields missing from the file keep their default
// values. A few environment variables override the file; see ApplyEnv.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/mend/services/mend/gate"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/repair"
	"github.com/AleutianAI/mend/services/mend/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variables read by ApplyEnv.
const (
	EnvPort          = "MEND_PORT"
	EnvOracleBackend = "MEND_ORACLE_BACKEND"
	EnvOracleModel   = "MEND_ORACLE_MODEL"
	EnvOllamaBaseURL = "OLLAMA_BASE_URL"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	GinMode         string        `yaml:"gin_mode" json:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
}

// IngestConfig limits inbound build events per session.
type IngestConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second" json:"events_per_second" validate:"gte=0"`
	Burst           int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json" json:"json"`
	Dir   string `yaml:"dir" json:"dir"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server" json:"server"`
	Gate      gate.Config           `yaml:"gate" json:"gate"`
	Repair    repair.Config         `yaml:"repair" json:"repair"`
	Sandbox   monitor.SandboxConfig `yaml:"sandbox" json:"sandbox"`
	Oracle    oracle.Config         `yaml:"oracle" json:"oracle"`
	Ingest    IngestConfig          `yaml:"ingest" json:"ingest"`
	Journal   journal.Config        `yaml:"journal" json:"journal"`
	Telemetry telemetry.Config      `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig         `yaml:"logging" json:"logging"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cfg := Config{
		Server: ServerConfig{
			Port:            12230,
			GinMode:         "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Gate: gate.Config{
			CooldownWindow:     gate.DefaultCooldownWindow,
			SuccessGraceWindow: gate.DefaultSuccessGraceWindow,
			MaxFingerprints:    gate.DefaultMaxFingerprints,
		},
		Repair: repair.DefaultConfig(),
		Sandbox: monitor.SandboxConfig{
			RepairDebounce: monitor.DefaultRepairDebounce,
			NormalDebounce: monitor.DefaultNormalDebounce,
		},
		Oracle: oracle.Config{
			Backend:           oracle.BackendOllama,
			Model:             "qwen2.5-coder:14b",
			RequestsPerMinute: 30,
		},
		Ingest: IngestConfig{
			EventsPerSecond: 50,
			Burst:           100,
		},
		Journal: journal.Config{
			Path: filepath.Join(home, ".mend", "journal"),
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(home, ".mend", "logs"),
		},
	}
	cfg.Oracle.ApplyDefaults()
	cfg.Journal.ApplyDefaults()
	return cfg
}

// DefaultPath returns ~/.mend/mend.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".mend", "mend.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults when it
// does not exist. Environment overrides are applied and the result is
// validated.
//
// Inputs:
//   - path: The YAML file. Empty selects DefaultPath.
//
// Outputs:
//   - Config: The loaded configuration.
//   - bool: True when the file was created by this call.
//   - error: Read, parse, or validation errors.
func Load(path string) (Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return Config{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, false, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes YAML over DefaultConfig, so omitted fields keep defaults.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv applies environment overrides read through getenv.
// OLLAMA_BASE_URL only applies to the ollama backend.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv(EnvOracleBackend); v != "" {
		c.Oracle.Backend = oracle.Backend(v)
	}
	if v := getenv(EnvOracleModel); v != "" {
		c.Oracle.Model = v
	}
	if v := getenv(EnvOllamaBaseURL); v != "" && c.Oracle.Backend == oracle.BackendOllama {
		c.Oracle.BaseURL = v
	}
}

// ApplyDefaults fills zero fields of every section.
func (c *Config) ApplyDefaults() {
	c.Gate.ApplyDefaults()
	c.Repair.ApplyDefaults()
	c.Oracle.ApplyDefaults()
	c.Journal.ApplyDefaults()
	c.Telemetry.ApplyDefaults()
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Sandbox.RepairDebounce == 0 {
		c.Sandbox.RepairDebounce = monitor.DefaultRepairDebounce
	}
	if c.Sandbox.NormalDebounce == 0 {
		c.Sandbox.NormalDebounce = monitor.DefaultNormalDebounce
	}
}

// Validate checks struct tags and each section's own rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	mc := c.Monitor()
	for _, err := range []error{mc.Validate(), c.Journal.Validate()} {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Monitor returns the per-project monitor configuration.
func (c *Config) Monitor() monitor.Config {
	return monitor.Config{
		Gate:    c.Gate,
		Repair:  c.Repair,
		Sandbox: c.Sandbox,
	}
}
