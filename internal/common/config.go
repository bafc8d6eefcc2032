// Package common provides shared utilities for quantgate
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for quantgate
type Config struct {
	Environment string          `toml:"environment"`
	Timezone    string          `toml:"timezone"` // trading calendar timezone, default Asia/Shanghai
	Server      ServerConfig    `toml:"server"`
	Mongo       MongoConfig     `toml:"mongo"`
	Redis       RedisConfig     `toml:"redis"`
	Clients     ClientsConfig   `toml:"clients"`
	Quotes      QuotesConfig    `toml:"quotes"`
	Tasks       TasksConfig     `toml:"tasks"`
	Ingest      IngestConfig    `toml:"ingest"`
	Analysis    AnalysisConfig  `toml:"analysis"`
	Logging     LoggingConfig   `toml:"logging"`
	RateLimits  RateLimitConfig `toml:"rate_limits"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MongoConfig holds MongoDB connection configuration
type MongoConfig struct {
	URI              string `toml:"uri"`
	Database         string `toml:"database"`
	MinConnections   uint64 `toml:"min_connections"`
	MaxConnections   uint64 `toml:"max_connections"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	SocketTimeoutMS  int    `toml:"socket_timeout_ms"`
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *MongoConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// SocketTimeout returns the socket timeout as a duration.
func (c *MongoConfig) SocketTimeout() time.Duration {
	if c.SocketTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL            string `toml:"url"`
	MaxConnections int    `toml:"max_connections"`
}

// ClientsConfig holds data provider client configurations
type ClientsConfig struct {
	Tushare  TushareConfig  `toml:"tushare"`
	AKShare  AKShareConfig  `toml:"akshare"`
	BaoStock BaoStockConfig `toml:"baostock"`
	YFinance YFinanceConfig `toml:"yfinance"`
	Finnhub  FinnhubConfig  `toml:"finnhub"`
	Gemini   GeminiConfig   `toml:"gemini"`
}

// TushareConfig holds Tushare API configuration
type TushareConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`

	// Free-tier hourly budget for the premium realtime endpoint and the
	// minimum interval between premium calls. Both are operator-tunable
	// because the upstream limits are not documented consistently.
	RealtimeHourlyBudget   int    `toml:"realtime_hourly_budget"`
	PremiumMinInterval     string `toml:"premium_min_interval"`
	AutoDetectPermission   bool   `toml:"auto_detect_permission"`
	RequestsPerMinuteLimit int    `toml:"requests_per_minute_limit"`
}

// GetTimeout parses and returns the timeout duration
func (c *TushareConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetPremiumMinInterval parses and returns the premium call interval.
func (c *TushareConfig) GetPremiumMinInterval() time.Duration {
	d, err := time.ParseDuration(c.PremiumMinInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetRealtimeHourlyBudget returns the free-tier hourly call budget.
func (c *TushareConfig) GetRealtimeHourlyBudget() int {
	if c.RealtimeHourlyBudget <= 0 {
		return 2
	}
	return c.RealtimeHourlyBudget
}

// AKShareConfig holds AKShare bridge configuration
type AKShareConfig struct {
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *AKShareConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BaoStockConfig holds BaoStock bridge configuration
type BaoStockConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *BaoStockConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// YFinanceConfig holds Yahoo Finance configuration for HK/US data
type YFinanceConfig struct {
	BaseURL    string `toml:"base_url"`
	Timeout    string `toml:"timeout"`
	CacheHours int    `toml:"cache_hours"` // US_DATA_CACHE_HOURS
}

// GetTimeout parses and returns the timeout duration
func (c *YFinanceConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCacheTTL returns the cache window for US/HK coarse blobs.
func (c *YFinanceConfig) GetCacheTTL() time.Duration {
	if c.CacheHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.CacheHours) * time.Hour
}

// FinnhubConfig holds Finnhub API configuration
type FinnhubConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *FinnhubConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GeminiConfig holds Gemini API configuration for the analysis function
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// QuotesConfig holds realtime quote rotation pipeline configuration
type QuotesConfig struct {
	IntervalSeconds    int  `toml:"interval_seconds"`
	RotationEnabled    bool `toml:"rotation_enabled"`
	BackfillOnOffhours bool `toml:"backfill_on_offhours"`
}

// GetInterval returns the ingestion tick interval.
func (c *QuotesConfig) GetInterval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 360 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TasksConfig holds analysis task queue configuration
type TasksConfig struct {
	UserLimit         int    `toml:"user_limit"`
	GlobalLimit       int    `toml:"global_limit"`
	Workers           int    `toml:"workers"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	SweepInterval     string `toml:"sweep_interval"`
	MaxBatchSize      int    `toml:"max_batch_size"`
}

// GetUserLimit returns the per-user concurrent processing cap.
func (c *TasksConfig) GetUserLimit() int {
	if c.UserLimit <= 0 {
		return 3
	}
	return c.UserLimit
}

// GetGlobalLimit returns the global concurrent processing cap.
func (c *TasksConfig) GetGlobalLimit() int {
	if c.GlobalLimit <= 0 {
		return 50
	}
	return c.GlobalLimit
}

// GetWorkers returns the background worker pool size.
func (c *TasksConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 5
	}
	return c.Workers
}

// GetVisibilityTimeout returns the in-flight task visibility timeout.
func (c *TasksConfig) GetVisibilityTimeout() time.Duration {
	d, err := time.ParseDuration(c.VisibilityTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetSweepInterval returns the zombie sweeper interval.
func (c *TasksConfig) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetMaxBatchSize returns the maximum batch submission size.
func (c *TasksConfig) GetMaxBatchSize() int {
	if c.MaxBatchSize <= 0 {
		return 10
	}
	return c.MaxBatchSize
}

// IngestConfig holds ingestion service configuration
type IngestConfig struct {
	ChunkSize           int    `toml:"chunk_size"`
	HistoricalChunkSize int    `toml:"historical_chunk_size"`
	StaleRunningAfter   string `toml:"stale_running_after"`
	BasicsCron          string `toml:"basics_cron"`
	HistoricalCron      string `toml:"historical_cron"`
	FinancialCron       string `toml:"financial_cron"`
}

// GetChunkSize returns the bulk upsert chunk size for basics/quotes.
func (c *IngestConfig) GetChunkSize() int {
	if c.ChunkSize <= 0 {
		return 500
	}
	return c.ChunkSize
}

// GetHistoricalChunkSize returns the bulk upsert chunk size for bars.
func (c *IngestConfig) GetHistoricalChunkSize() int {
	if c.HistoricalChunkSize <= 0 {
		return 1000
	}
	return c.HistoricalChunkSize
}

// GetStaleRunningAfter returns the threshold after which a "running"
// SyncStatus is treated as crashed and eligible for takeover.
func (c *IngestConfig) GetStaleRunningAfter() time.Duration {
	d, err := time.ParseDuration(c.StaleRunningAfter)
	if err != nil {
		return 2 * time.Hour
	}
	return d
}

// AnalysisConfig holds analysis result configuration
type AnalysisConfig struct {
	ResultsDir string `toml:"results_dir"` // TRADINGAGENTS_RESULTS_DIR
	CacheDir   string `toml:"cache_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RateLimitConfig holds per-endpoint rate limit and daily quota settings
type RateLimitConfig struct {
	DailyQuota int            `toml:"daily_quota"`
	Endpoints  map[string]int `toml:"endpoints"`
}

// GetDailyQuota returns the per-user daily quota for analysis/screening.
func (c *RateLimitConfig) GetDailyQuota() int {
	if c.DailyQuota <= 0 {
		return 100
	}
	return c.DailyQuota
}

// EndpointLimit returns the sliding-minute cap for an endpoint.
func (c *RateLimitConfig) EndpointLimit(endpoint string) int {
	if c.Endpoints != nil {
		if v, ok := c.Endpoints[endpoint]; ok && v > 0 {
			return v
		}
	}
	switch endpoint {
	case "/analysis/single":
		return 10
	case "/analysis/batch":
		return 5
	case "/screening/filter":
		return 20
	case "/auth/login":
		return 5
	case "/auth/register":
		return 3
	default:
		return 100
	}
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Timezone:    "Asia/Shanghai",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Mongo: MongoConfig{
			URI:              "mongodb://localhost:27017",
			Database:         "quantgate",
			MinConnections:   5,
			MaxConnections:   50,
			ConnectTimeoutMS: 10000,
			SocketTimeoutMS:  60000,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			MaxConnections: 20,
		},
		Clients: ClientsConfig{
			Tushare: TushareConfig{
				Enabled:              true,
				BaseURL:              "https://api.tushare.pro",
				Timeout:              "30s",
				RealtimeHourlyBudget: 2,
				PremiumMinInterval:   "5s",
				AutoDetectPermission: true,
			},
			AKShare: AKShareConfig{
				BaseURL:   "http://localhost:8081",
				RateLimit: 5,
				Timeout:   "30s",
			},
			BaoStock: BaoStockConfig{
				BaseURL: "http://localhost:8082",
				Timeout: "30s",
			},
			YFinance: YFinanceConfig{
				BaseURL:    "https://query1.finance.yahoo.com",
				Timeout:    "30s",
				CacheHours: 24,
			},
			Finnhub: FinnhubConfig{
				BaseURL:   "https://finnhub.io/api/v1",
				RateLimit: 1,
				Timeout:   "30s",
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Quotes: QuotesConfig{
			IntervalSeconds:    360,
			RotationEnabled:    true,
			BackfillOnOffhours: true,
		},
		Tasks: TasksConfig{
			UserLimit:         3,
			GlobalLimit:       50,
			Workers:           5,
			VisibilityTimeout: "30m",
			SweepInterval:     "5m",
			MaxBatchSize:      10,
		},
		Ingest: IngestConfig{
			ChunkSize:           500,
			HistoricalChunkSize: 1000,
			StaleRunningAfter:   "2h",
			BasicsCron:          "0 30 16 * * MON-FRI",
			HistoricalCron:      "0 0 17 * * MON-FRI",
			FinancialCron:       "0 0 4 * * SAT",
		},
		Analysis: AnalysisConfig{
			ResultsDir: "data/results",
			CacheDir:   "data/cache",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QUANTGATE_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("QUANTGATE_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("QUANTGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("QUANTGATE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		config.Timezone = tz
	}

	if v := os.Getenv("MONGO_URI"); v != "" {
		config.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DB"); v != "" {
		config.Mongo.Database = v
	}
	if v := os.Getenv("MONGO_MIN_CONNECTIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Mongo.MinConnections = n
		}
	}
	if v := os.Getenv("MONGO_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Mongo.MaxConnections = n
		}
	}
	if v := os.Getenv("MONGO_CONNECT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Mongo.ConnectTimeoutMS = n
		}
	}
	if v := os.Getenv("MONGO_SOCKET_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Mongo.SocketTimeoutMS = n
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Redis.URL = v
	}
	if v := os.Getenv("REDIS_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Redis.MaxConnections = n
		}
	}

	if v := os.Getenv("TUSHARE_ENABLED"); v != "" {
		config.Clients.Tushare.Enabled = parseBool(v)
	}
	if v := os.Getenv("TUSHARE_TOKEN"); v != "" {
		config.Clients.Tushare.Token = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		config.Clients.Finnhub.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Clients.Gemini.APIKey = v
	}

	if v := os.Getenv("QUOTES_INGEST_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Quotes.IntervalSeconds = n
		}
	}
	if v := os.Getenv("QUOTES_ROTATION_ENABLED"); v != "" {
		config.Quotes.RotationEnabled = parseBool(v)
	}
	if v := os.Getenv("QUOTES_BACKFILL_ON_OFFHOURS"); v != "" {
		config.Quotes.BackfillOnOffhours = parseBool(v)
	}
	if v := os.Getenv("QUOTES_AUTO_DETECT_TUSHARE_PERMISSION"); v != "" {
		config.Clients.Tushare.AutoDetectPermission = parseBool(v)
	}

	if v := os.Getenv("TRADINGAGENTS_RESULTS_DIR"); v != "" {
		config.Analysis.ResultsDir = v
	}
	if v := os.Getenv("US_DATA_CACHE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Clients.YFinance.CacheHours = n
		}
	}
}

// parseBool accepts the usual truthy spellings used in deployment env files.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
