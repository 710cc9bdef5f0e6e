package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// configFileName is the expected YAML file inside the config directory.
const configFileName = "appforge.yaml"

// Initialize loads, merges, and validates configuration.
//
// Steps performed:
//  1. Read appforge.yaml from configDir (missing file → pure defaults)
//  2. Expand {{.ENV_VAR}} references
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := DefaultConfig()

	path := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		// User values win over defaults.
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		log.Info("Configuration loaded", "path", path)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.DevServer.Ports) == 0 {
		return fmt.Errorf("dev_server.ports must not be empty")
	}
	for _, p := range cfg.DevServer.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("dev_server.ports contains invalid port %d", p)
		}
	}
	if cfg.Sandbox.MaxRetries < 0 {
		return fmt.Errorf("sandbox.max_retries must not be negative")
	}
	if cfg.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative")
	}
	if cfg.Agent.CompressMessagesAbove > 0 && cfg.Agent.CompressKeepTail >= cfg.Agent.CompressMessagesAbove {
		return fmt.Errorf("agent.compress_keep_tail (%d) must be below agent.compress_messages_above (%d)",
			cfg.Agent.CompressKeepTail, cfg.Agent.CompressMessagesAbove)
	}
	if cfg.Agent.MaxToolHistory <= 0 || cfg.Agent.MaxErrorHistory <= 0 {
		return fmt.Errorf("agent history bounds must be positive")
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.Redis != nil && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is configured")
	}
	return nil
}
