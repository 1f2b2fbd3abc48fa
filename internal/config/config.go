package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Search    SearchConfig    `mapstructure:"search"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

type GitHubConfig struct {
	Token             string `mapstructure:"token"`
	PageSize          int    `mapstructure:"page_size"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	BatchSize         int           `mapstructure:"batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
}

type VectorConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	Dimensions int    `mapstructure:"dimensions"`
}

type SyncConfig struct {
	Workers      int           `mapstructure:"workers"`
	Interval     time.Duration `mapstructure:"interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	UnstickAfter time.Duration `mapstructure:"unstick_after"`
}

type SearchConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	CacheDir      string        `mapstructure:"cache_dir"`
	CountCacheTTL time.Duration `mapstructure:"count_cache_ttl"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// SecretsConfig selects the extra sources credentials are resolved
// from when the config file leaves them blank. The environment is
// always consulted first.
type SecretsConfig struct {
	File       string `mapstructure:"file"`
	VaultAddr  string `mapstructure:"vault_addr"`
	VaultToken string `mapstructure:"vault_token"`
	VaultMount string `mapstructure:"vault_mount"`
	VaultPath  string `mapstructure:"vault_path"`
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.GitHub.Token == "" {
		warnings = append(warnings, "github token is empty, API requests will be rejected")
	}

	if c.Embedding.Provider != "" && c.Embedding.Provider != "none" && c.Embedding.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", c.Embedding.Provider))
	}

	if c.Embedding.BatchSize < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding batch_size %d is negative", c.Embedding.BatchSize))
	}

	if c.GitHub.PageSize < 1 || c.GitHub.PageSize > 100 {
		warnings = append(warnings, fmt.Sprintf("github page_size %d is outside the allowed range [1, 100]", c.GitHub.PageSize))
	}

	if c.Sync.Workers < 1 {
		warnings = append(warnings, fmt.Sprintf("sync workers %d is below 1", c.Sync.Workers))
	}

	return warnings
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("github.page_size", 100)
	v.SetDefault("github.requests_per_minute", 60)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.batch_size", 50)
	v.SetDefault("embedding.concurrency", 3)
	v.SetDefault("embedding.requests_per_minute", 300)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection", "issues")
	v.SetDefault("vector.dimensions", 1536)
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.interval", "20m")
	v.SetDefault("sync.stale_after", "20m")
	v.SetDefault("sync.unstick_after", "1h")
	v.SetDefault("search.page_size", 30)
	v.SetDefault("search.count_cache_ttl", "5m")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from file and environment. An empty path
// skips the file and falls back to defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ISSUEDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
