package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file. ${VAR} references in the file
// are expanded from the environment before parsing.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Indexer.ChunkSize == 0 {
		cfg.Indexer.ChunkSize = 200_000
	}
	if cfg.Indexer.PollInterval == 0 {
		cfg.Indexer.PollInterval = 30 * time.Second
	}
	if cfg.Indexer.HealthCheckInterval == 0 {
		cfg.Indexer.HealthCheckInterval = 60 * time.Second
	}
	if cfg.Indexer.MaxRetries == 0 {
		cfg.Indexer.MaxRetries = 3
	}
	if cfg.Indexer.EventBuffer == 0 {
		cfg.Indexer.EventBuffer = 256
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data/snapshots"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *AppConfig) error {
	for _, ch := range cfg.Chains {
		if ch.ChainID == "" {
			return fmt.Errorf("chain entry missing id")
		}
		if len(ch.Endpoints) == 0 {
			return fmt.Errorf("chain %s has no endpoints", ch.ChainID)
		}
	}
	for _, w := range cfg.Watch {
		if w.UserID == "" || w.Contract == "" || w.ChainID == "" {
			return fmt.Errorf("watch entry requires user_id, contract and chain_id")
		}
		if _, ok := cfg.Chain(w.ChainID); !ok {
			return fmt.Errorf("watch entry for %s references unconfigured chain %s", w.UserID, w.ChainID)
		}
	}
	switch cfg.Storage.Backend {
	case "file", "memory":
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("postgres backend requires storage.postgres.url")
		}
	case "redis":
		if cfg.Storage.Redis.URL == "" {
			return fmt.Errorf("redis backend requires storage.redis.url")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
	return nil
}
