package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the knowledge base service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Query      QueryConfig      `mapstructure:"query"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen    string `mapstructure:"listen"`
	Debug     bool   `mapstructure:"debug"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// ProviderConfig contains embedding/completion provider settings
type ProviderConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	CompletionModel     string        `mapstructure:"completion_model"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Temperature         float64       `mapstructure:"temperature"`
	MaxTokens           int           `mapstructure:"max_tokens"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

func (p ProviderConfig) Validate() error {
	if strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("provider.api_key required")
	}
	if strings.TrimSpace(p.EmbeddingModel) == "" {
		return fmt.Errorf("provider.embedding_model required")
	}
	return nil
}

// IngestConfig contains source ingestion pipeline settings
type IngestConfig struct {
	Fetcher         string        `mapstructure:"fetcher"` // http or chromedp
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	ChunkOverlap    int           `mapstructure:"chunk_overlap"`
	EmbedBatchSize  int           `mapstructure:"embed_batch_size"`
	UpsertBatchSize int           `mapstructure:"upsert_batch_size"`
	QueueSize       int           `mapstructure:"queue_size"`
	BulkConcurrency int           `mapstructure:"bulk_concurrency"`
	BulkBatchDelay  time.Duration `mapstructure:"bulk_batch_delay"`
	RefreshCron     string        `mapstructure:"refresh_cron"`
	RefreshMinAge   time.Duration `mapstructure:"refresh_min_age"`
}

// Normalize applies pipeline defaults for unset values.
func (c IngestConfig) Normalize() IngestConfig {
	if c.Fetcher == "" {
		c.Fetcher = "http"
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 5 * 1024 * 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 200
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 5
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 3
	}
	if c.BulkBatchDelay <= 0 {
		c.BulkBatchDelay = 5 * time.Second
	}
	if c.RefreshMinAge <= 0 {
		c.RefreshMinAge = 24 * time.Hour
	}
	return c
}

// QueryConfig contains answer-synthesis settings
type QueryConfig struct {
	DefaultTopK   int           `mapstructure:"default_top_k"`
	MaxTopK       int           `mapstructure:"max_top_k"`
	ContextBudget int           `mapstructure:"context_budget"`
	EmbedTimeout  time.Duration `mapstructure:"embed_timeout"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	Hybrid        bool          `mapstructure:"hybrid"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
}

// Normalize applies query defaults for unset values.
func (c QueryConfig) Normalize() QueryConfig {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 10
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 3000
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 5 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	return c
}

// RateLimitRule bounds requests per fixed window for one route.
type RateLimitRule struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// RateLimitsConfig contains per-route rate limit rules
type RateLimitsConfig struct {
	Query  RateLimitRule `mapstructure:"query"`
	Scrape RateLimitRule `mapstructure:"scrape"`
	Bulk   RateLimitRule `mapstructure:"bulk"`
}

// Normalize applies the default per-route budgets.
func (c RateLimitsConfig) Normalize() RateLimitsConfig {
	if c.Query.MaxRequests <= 0 {
		c.Query = RateLimitRule{MaxRequests: 60, Window: time.Minute}
	}
	if c.Scrape.MaxRequests <= 0 {
		c.Scrape = RateLimitRule{MaxRequests: 10, Window: 5 * time.Minute}
	}
	if c.Bulk.MaxRequests <= 0 {
		c.Bulk = RateLimitRule{MaxRequests: 5, Window: 15 * time.Minute}
	}
	return c
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.listen", ":10010")
	viper.SetDefault("provider.completion_model", "gpt-4o-mini")
	viper.SetDefault("provider.embedding_model", "text-embedding-3-small")
	viper.SetDefault("provider.embedding_dimensions", 1536)
	viper.SetDefault("provider.temperature", 0.7)
	viper.SetDefault("provider.max_tokens", 1000)
	viper.SetDefault("provider.max_retries", 5)
	viper.SetDefault("provider.retry_base_delay", "5s")
	viper.SetDefault("provider.timeout", "60s")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CAMPUSKB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Ingest = config.Ingest.Normalize()
	config.Query = config.Query.Normalize()
	config.RateLimits = config.RateLimits.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Provider.Validate(); err != nil {
		panic(err)
	}
	return &config
}
