// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/seed"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Blob       BlobConfig       `mapstructure:"blob"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Events     EventsConfig     `mapstructure:"events"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Sources    []SourceConfig   `mapstructure:"sources"`

	// DryRun runs the full pipeline without record writes or event
	// publishes. Set from the -dry-run flag, not from config files.
	DryRun bool `mapstructure:"-"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig governs the HTTP fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// WorkersConfig sizes the fetch pool and its archiving behavior.
type WorkersConfig struct {
	Count         int    `mapstructure:"count"`
	ArchiveBodies bool   `mapstructure:"archive_bodies"`
	BlobPrefix    string `mapstructure:"blob_prefix"`
	ContentType   string `mapstructure:"content_type"`
}

// FrontierConfig tunes retry backoff.
type FrontierConfig struct {
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxRetries       int `mapstructure:"max_retries"`
}

// HostLimitConfig overrides the token bucket for one host.
type HostLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimitConfig tunes the per-host politeness gate.
type RateLimitConfig struct {
	DefaultRPS   float64                    `mapstructure:"default_rps"`
	DefaultBurst int                        `mapstructure:"default_burst"`
	PerHost      map[string]HostLimitConfig `mapstructure:"per_host"`
}

// DedupConfig selects and tunes the admission store.
type DedupConfig struct {
	Backend        string `mapstructure:"backend"`
	RetentionHours int    `mapstructure:"retention_hours"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPrefix    string `mapstructure:"redis_prefix"`
}

// CheckpointConfig selects and tunes snapshot persistence.
type CheckpointConfig struct {
	Backend         string `mapstructure:"backend"`
	Dir             string `mapstructure:"dir"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Keep            int    `mapstructure:"keep"`
}

// StorageConfig selects the record/run store backend.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	DSN          string `mapstructure:"dsn"`
	RecordsTable string `mapstructure:"records_table"`
	RunsTable    string `mapstructure:"runs_table"`
}

// BlobConfig selects where raw response bodies are archived.
type BlobConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the pipeline event hub.
type EventsConfig struct {
	BufferSize  int `mapstructure:"buffer_size"`
	BatchEvents int `mapstructure:"batch_events"`
	BatchWaitMs int `mapstructure:"batch_wait_ms"`
}

// PipelineConfig tunes the coordinator loop.
type PipelineConfig struct {
	GateRetryMs              int `mapstructure:"gate_retry_ms"`
	PoolRetryMs              int `mapstructure:"pool_retry_ms"`
	RateLimitCooldownSeconds int `mapstructure:"rate_limit_cooldown_seconds"`
	StorageMaxRetries        int `mapstructure:"storage_max_retries"`
	StorageRetryMs           int `mapstructure:"storage_retry_ms"`
	DrainGraceSeconds        int `mapstructure:"drain_grace_seconds"`
}

// RulesConfig maps response content to record fields; see
// indexer.ExtractRules for field semantics.
type RulesConfig struct {
	ItemsPath       string `mapstructure:"items_path"`
	TotalPagesPath  string `mapstructure:"total_pages_path"`
	NamePath        string `mapstructure:"name_path"`
	URLPath         string `mapstructure:"url_path"`
	PricePath       string `mapstructure:"price_path"`
	SalePricePath   string `mapstructure:"sale_price_path"`
	ImagePath       string `mapstructure:"image_path"`
	DescriptionPath string `mapstructure:"description_path"`
	InStockPath     string `mapstructure:"in_stock_path"`

	ItemSelector        string `mapstructure:"item_selector"`
	NameSelector        string `mapstructure:"name_selector"`
	PriceSelector       string `mapstructure:"price_selector"`
	SalePriceSelector   string `mapstructure:"sale_price_selector"`
	LinkSelector        string `mapstructure:"link_selector"`
	ImageSelector       string `mapstructure:"image_selector"`
	DescriptionSelector string `mapstructure:"description_selector"`
	SkipSelector        string `mapstructure:"skip_selector"`
	NextPageSelector    string `mapstructure:"next_page_selector"`
	TotalPagesSelector  string `mapstructure:"total_pages_selector"`
}

// SourceConfig declares one crawl target.
type SourceConfig struct {
	Name        string            `mapstructure:"name"`
	Type        string            `mapstructure:"type"`
	URL         string            `mapstructure:"url"`
	Priority    int               `mapstructure:"priority"`
	Schedule    string            `mapstructure:"schedule"`
	Category    string            `mapstructure:"category"`
	Currency    string            `mapstructure:"currency"`
	MaxPages    int               `mapstructure:"max_pages"`
	URLTemplate string            `mapstructure:"url_template"`
	PageParam   string            `mapstructure:"page_param"`
	Headers     map[string]string `mapstructure:"headers"`
	Rules       RulesConfig       `mapstructure:"rules"`
}

func (r RulesConfig) rules() indexer.ExtractRules {
	return indexer.ExtractRules{
		ItemsPath:       r.ItemsPath,
		TotalPagesPath:  r.TotalPagesPath,
		NamePath:        r.NamePath,
		URLPath:         r.URLPath,
		PricePath:       r.PricePath,
		SalePricePath:   r.SalePricePath,
		ImagePath:       r.ImagePath,
		DescriptionPath: r.DescriptionPath,
		InStockPath:     r.InStockPath,

		ItemSelector:        r.ItemSelector,
		NameSelector:        r.NameSelector,
		PriceSelector:       r.PriceSelector,
		SalePriceSelector:   r.SalePriceSelector,
		LinkSelector:        r.LinkSelector,
		ImageSelector:       r.ImageSelector,
		DescriptionSelector: r.DescriptionSelector,
		SkipSelector:        r.SkipSelector,
		NextPageSelector:    r.NextPageSelector,
		TotalPagesSelector:  r.TotalPagesSelector,
	}
}

// Source converts to the seed catalog entry.
func (s SourceConfig) Source() seed.Source {
	return seed.Source{
		Name:        s.Name,
		Type:        indexer.SourceType(s.Type),
		URL:         s.URL,
		Priority:    s.Priority,
		Schedule:    s.Schedule,
		Category:    s.Category,
		Currency:    s.Currency,
		MaxPages:    s.MaxPages,
		URLTemplate: s.URLTemplate,
		PageParam:   s.PageParam,
		Headers:     s.Headers,
		Rules:       s.Rules.rules(),
	}
}

// SeedSources converts the whole catalog.
func (c Config) SeedSources() []seed.Source {
	sources := make([]seed.Source, 0, len(c.Sources))
	for _, src := range c.Sources {
		sources = append(sources, src.Source())
	}
	return sources
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetch.user_agent", "realtime-cpi-indexer/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.blob_prefix", "bodies")
	v.SetDefault("workers.content_type", "application/octet-stream")
	v.SetDefault("frontier.backoff_initial_ms", 1000)
	v.SetDefault("frontier.backoff_max_ms", 300000)
	v.SetDefault("frontier.max_retries", 3)
	v.SetDefault("rate_limit.default_rps", 1)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.retention_hours", 72)
	v.SetDefault("dedup.redis_prefix", "indexer:dedup")
	v.SetDefault("checkpoint.backend", "local")
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.interval_seconds", 30)
	v.SetDefault("checkpoint.keep", 3)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.records_table", "price_records")
	v.SetDefault("storage.runs_table", "crawl_runs")
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.batch_events", 500)
	v.SetDefault("events.batch_wait_ms", 500)
	v.SetDefault("pipeline.gate_retry_ms", 500)
	v.SetDefault("pipeline.pool_retry_ms", 250)
	v.SetDefault("pipeline.rate_limit_cooldown_seconds", 30)
	v.SetDefault("pipeline.storage_max_retries", 3)
	v.SetDefault("pipeline.storage_retry_ms", 200)
	v.SetDefault("pipeline.drain_grace_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			return fmt.Errorf("dedup.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be memory or redis, got %q", c.Dedup.Backend)
	}
	switch c.Checkpoint.Backend {
	case "local":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint.dir must be set for the local backend")
		}
	case "gcs":
		if c.Checkpoint.Bucket == "" {
			return fmt.Errorf("checkpoint.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be local or gcs, got %q", c.Checkpoint.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local, or gcs, got %q", c.Blob.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	for _, src := range c.Sources {
		if err := src.Source().Validate(); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}
	return nil
}

// FetchTimeout converts the fetch timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ServerTimeout bounds API request handling.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
