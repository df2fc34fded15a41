// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Backend names an oracle implementation.
type Backend string

const (
	BackendOpenAI   Backend = "openai"
	BackendOllama   Backend = "ollama"
	BackendScripted Backend = "scripted"
)

// Config selects and configures a backend.
type Config struct {
	Backend           Backend `yaml:"backend" json:"backend" validate:"required,oneof=openai ollama scripted"`
	Model             string  `yaml:"model" json:"model"`
	BaseURL           string  `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	APIKeyEnv         string  `yaml:"api_key_env" json:"api_key_env"`
	Temperature       float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	ScriptPath        string  `yaml:"script_path" json:"script_path" validate:"required_if=Backend scripted"`
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requests_per_minute" validate:"gte=0"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendOllama
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
}

// New builds the configured backend, wrapped with request pacing when
// RequestsPerMinute is set.
func New(cfg Config, logger *slog.Logger) (Oracle, error) {
	var (
		o   Oracle
		err error
	)
	switch cfg.Backend {
	case BackendOpenAI:
		var key string
		key, err = LoadAPIKey(cfg.APIKeyEnv, "")
		if err != nil {
			return nil, err
		}
		o, err = NewOpenAI(OpenAIConfig{
			APIKey:      []byte(key),
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, logger)
	case BackendOllama:
		o, err = NewOllama(OllamaConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, logger)
	case BackendScripted:
		var script Script
		script, err = LoadScript(cfg.ScriptPath)
		if err == nil {
			o = NewScripted(script)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		o = Paced(o, rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1))
	}
	return o, nil
}
