// Package config loads and validates service configuration.
// Configuration is read from a YAML file with environment variable
// overrides for the enrichment endpoint and token.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Vector     VectorConfig     `yaml:"vector"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Cache      CacheConfig      `yaml:"cache"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Search     SearchConfig     `yaml:"search"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default: 127.0.0.1:8470).
	Addr string `yaml:"addr"`
	// RequestTimeout bounds each request (default: 30s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`
	// StalenessDays is the age beyond which a page is re-indexed on the
	// next ingest (default: 3).
	StalenessDays int `yaml:"staleness_days"`
	// MaxContentChars bounds stored page content (default: 10000).
	MaxContentChars int `yaml:"max_content_chars"`
	// MinContentChars is the ingest acceptance floor (default: 100).
	MinContentChars int `yaml:"min_content_chars"`
}

// VectorConfig configures the in-memory vector index.
type VectorConfig struct {
	// Dimension must match the enrichment provider output (default: 2048).
	Dimension int `yaml:"dimension"`
	// SoftCap triggers safety-net eviction on add (default: 10000).
	SoftCap int `yaml:"soft_cap"`
}

// EnrichmentConfig configures the enrichment provider.
type EnrichmentConfig struct {
	// Provider selects the variant: "live" or "mock" (default: mock).
	Provider string `yaml:"provider"`
	// Endpoint is the live provider base URL.
	// Env override: NEWTAB_ENRICHMENT_ENDPOINT.
	Endpoint string `yaml:"endpoint"`
	// Token is the bearer token. Env override: NEWTAB_ENRICHMENT_TOKEN.
	Token string `yaml:"token"`
	// Timeout bounds each outbound call (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the total number of tries per call (default: 3).
	Retries int `yaml:"retries"`
	// LLMModel names the keyword/description model.
	LLMModel string `yaml:"llm_model"`
	// EmbeddingModel names the embedding model.
	EmbeddingModel string `yaml:"embedding_model"`
}

// CacheConfig configures the query embedding cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries (default: 1000).
	Capacity int `yaml:"capacity"`
	// TTLDays is the entry expiry age (default: 7).
	TTLDays int `yaml:"ttl_days"`
	// PersistencePath is the JSON snapshot file. Empty disables persistence.
	PersistencePath string `yaml:"persistence_path"`
	// PersistEveryNMutations batches snapshot writes (default: 20).
	PersistEveryNMutations int `yaml:"persist_every_n_mutations"`
}

// EvictionConfig configures the frequency and eviction engine.
type EvictionConfig struct {
	// Capacity is the page count that triggers eviction (default: 1000).
	Capacity int `yaml:"capacity"`
	// Headroom is how far below capacity eviction prunes (default: 50).
	Headroom int `yaml:"headroom"`
	// ProtectWindowMinutes shields recently visited pages (default: 60).
	ProtectWindowMinutes int `yaml:"protect_window_minutes"`
	// RandomTriggerProbability runs eviction per tracked visit (default: 0.01).
	RandomTriggerProbability float64 `yaml:"random_trigger_probability"`
	// SweepSchedule is the periodic sweep cron spec (default: "@every 10m").
	SweepSchedule string `yaml:"sweep_schedule"`
}

// SearchConfig configures the retrieval pipeline.
type SearchConfig struct {
	// MaxResults caps the returned list (default: 10).
	MaxResults int `yaml:"max_results"`
	// SemanticWeight scales cosine similarity (default: 0.7).
	SemanticWeight float64 `yaml:"semantic_weight"`
	// KeywordWeight scales lexical rank score (default: 0.3).
	KeywordWeight float64 `yaml:"keyword_weight"`
	// FreqWeight scales the ARC score boost (default: 0.1).
	FreqWeight float64 `yaml:"freq_weight"`
	// DropRatio is the relative similarity-drop threshold (default: 0.4).
	DropRatio float64 `yaml:"drop_ratio"`
	// MinAbsolute is the absolute score floor for truncation (default: 0.2).
	MinAbsolute float64 `yaml:"min_absolute"`
	// KLexical is the lexical branch fetch size (default: 20).
	KLexical int `yaml:"k_lexical"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8470",
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:            defaultStorePath(),
			StalenessDays:   3,
			MaxContentChars: 10000,
			MinContentChars: 100,
		},
		Vector: VectorConfig{
			Dimension: 2048,
			SoftCap:   10000,
		},
		Enrichment: EnrichmentConfig{
			Provider:       "mock",
			Timeout:        30 * time.Second,
			Retries:        3,
			LLMModel:       "qwen-turbo",
			EmbeddingModel: "text-embedding-v3",
		},
		Cache: CacheConfig{
			Capacity:               1000,
			TTLDays:                7,
			PersistencePath:        defaultCachePath(),
			PersistEveryNMutations: 20,
		},
		Eviction: EvictionConfig{
			Capacity:                 1000,
			Headroom:                 50,
			ProtectWindowMinutes:     60,
			RandomTriggerProbability: 0.01,
			SweepSchedule:            "@every 10m",
		},
		Search: SearchConfig{
			MaxResults:     10,
			SemanticWeight: 0.7,
			KeywordWeight:  0.3,
			FreqWeight:     0.1,
			DropRatio:      0.4,
			MinAbsolute:    0.2,
			KLexical:       20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".newtab"
	}
	return filepath.Join(home, ".newtab")
}

func defaultStorePath() string {
	return filepath.Join(defaultDataDir(), "pages.db")
}

func defaultCachePath() string {
	return filepath.Join(defaultDataDir(), "query_cache.json")
}

// Load reads configuration from the given YAML file, merged over defaults,
// then applies environment overrides. A missing file is not an error:
// defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NEWTAB_ENRICHMENT_ENDPOINT"); v != "" {
		c.Enrichment.Endpoint = v
	}
	if v := os.Getenv("NEWTAB_ENRICHMENT_TOKEN"); v != "" {
		c.Enrichment.Token = v
	}
	if v := os.Getenv("NEWTAB_ENRICHMENT_PROVIDER"); v != "" {
		c.Enrichment.Provider = v
	}
	if v := os.Getenv("NEWTAB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NEWTAB_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("NEWTAB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NEWTAB_EMBEDDING_DIMENSION"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil && dim > 0 {
			c.Vector.Dimension = dim
		}
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension)
	}
	if c.Store.MinContentChars < 0 {
		return fmt.Errorf("store.min_content_chars must be non-negative, got %d", c.Store.MinContentChars)
	}
	if c.Store.MaxContentChars < c.Store.MinContentChars {
		return fmt.Errorf("store.max_content_chars (%d) below min_content_chars (%d)",
			c.Store.MaxContentChars, c.Store.MinContentChars)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Eviction.Headroom >= c.Eviction.Capacity {
		return fmt.Errorf("eviction.headroom (%d) must be below capacity (%d)",
			c.Eviction.Headroom, c.Eviction.Capacity)
	}
	if p := c.Eviction.RandomTriggerProbability; p < 0 || p > 1 {
		return fmt.Errorf("eviction.random_trigger_probability must be in [0,1], got %v", p)
	}
	if c.Search.DropRatio < 0 || c.Search.DropRatio > 1 {
		return fmt.Errorf("search.drop_ratio must be in [0,1], got %v", c.Search.DropRatio)
	}
	if c.Enrichment.Provider != "live" && c.Enrichment.Provider != "mock" {
		return fmt.Errorf("enrichment.provider must be \"live\" or \"mock\", got %q", c.Enrichment.Provider)
	}
	if c.Enrichment.Provider == "live" && c.Enrichment.Endpoint == "" {
		return fmt.Errorf("enrichment.endpoint required for live provider")
	}
	if c.Enrichment.Retries <= 0 {
		return fmt.Errorf("enrichment.retries must be positive, got %d", c.Enrichment.Retries)
	}
	return nil
}

// Staleness returns the staleness window as a duration.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Store.StalenessDays) * 24 * time.Hour
}

// CacheTTL returns the cache entry TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// ProtectWindow returns the eviction protect window as a duration.
func (c *Config) ProtectWindow() time.Duration {
	return time.Duration(c.Eviction.ProtectWindowMinutes) * time.Minute
}
