// Package config loads the YAML application configuration with environment
// variable expansion and sane defaults.
package config

import (
	"time"

	"github.com/chainpulse/indexer/internal/core/tier"
	"github.com/chainpulse/indexer/internal/infra/storage/postgres"
	redisstore "github.com/chainpulse/indexer/internal/infra/storage/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Chains  []ChainConfig `yaml:"chains"`
	Indexer IndexerConfig `yaml:"indexer"`
	Tiers   []TierConfig  `yaml:"tiers"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Watch   []WatchConfig `yaml:"watch"`
}

// WatchConfig declares a session to start at boot.
type WatchConfig struct {
	UserID   string `yaml:"user_id"`
	Contract string `yaml:"contract"`
	ChainID  string `yaml:"chain_id"`
	Tier     string `yaml:"tier"`
}

// ServerConfig holds the health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for one blockchain.
type ChainConfig struct {
	ChainID      string         `yaml:"id"`
	BlockSeconds float64        `yaml:"block_seconds"` // 0 = built-in default
	Endpoints    []string       `yaml:"endpoints"`
	Explorer     ExplorerConfig `yaml:"explorer"`
}

// ExplorerConfig holds the optional block-explorer API used as a fast path
// for deployment block discovery.
type ExplorerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// IndexerConfig holds the indexing pipeline knobs.
type IndexerConfig struct {
	ChunkSize           uint64        `yaml:"chunk_size"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	EventBuffer         int           `yaml:"event_buffer"`
}

// TierConfig overrides or extends the built-in subscription tiers.
type TierConfig struct {
	Name           string `yaml:"name"`
	HistoricalDays int    `yaml:"historical_days"` // -1 = since deployment
	ContinuousSync bool   `yaml:"continuous_sync"`
	MaxContracts   int    `yaml:"max_contracts"`
}

// StorageConfig selects and configures the snapshot backend.
type StorageConfig struct {
	// Backend is one of "file", "postgres", "redis", "memory".
	Backend  string            `yaml:"backend"`
	Dir      string            `yaml:"dir"` // file backend
	Postgres postgres.Config   `yaml:"postgres"`
	Redis    redisstore.Config `yaml:"redis"`
}

// TierOverrides converts the configured tiers into resolver overrides.
func (c *AppConfig) TierOverrides() map[string]tier.Tier {
	if len(c.Tiers) == 0 {
		return nil
	}
	out := make(map[string]tier.Tier, len(c.Tiers))
	for _, t := range c.Tiers {
		out[t.Name] = tier.Tier{
			Name:           t.Name,
			HistoricalDays: t.HistoricalDays,
			ContinuousSync: t.ContinuousSync,
			MaxContracts:   t.MaxContracts,
		}
	}
	return out
}

// Chain returns the configuration for a chain ID, if present.
func (c *AppConfig) Chain(chainID string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
