package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the coinsync ingestion pipeline.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Universe UniverseConfig `yaml:"universe"`
	History  HistoryConfig  `yaml:"history"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Redis    Redis          `yaml:"redis"`
	Server   Server         `yaml:"server"`
	Logging  Logging        `yaml:"logging"`
}

// Storage selects the watermark store backend and archive location.
type Storage struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	ArchiveDir  string `yaml:"archive_dir"`
}

// UniverseConfig configures the ranking provider client.
type UniverseConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Currency  string        `yaml:"currency"`
	Pages     int           `yaml:"pages"`
	PerPage   int           `yaml:"per_page"`
	PageDelay time.Duration `yaml:"page_delay"`
	Timeout   time.Duration `yaml:"timeout"`
}

// HistoryConfig configures the detailed-history provider client.
type HistoryConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Quote           string        `yaml:"quote"`
	PairsCachePath  string        `yaml:"pairs_cache_path"`
	PageLimit       int           `yaml:"page_limit"`
	RequestInterval time.Duration `yaml:"request_interval"`
	CandleTimeout   time.Duration `yaml:"candle_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
	DeepHistoryDays int           `yaml:"deep_history_days"`

	// RequestsPerMinute, when positive, replaces RequestInterval with an
	// even spacing of that many requests per minute.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// PipelineConfig controls worker concurrency and daemon scheduling.
type PipelineConfig struct {
	MaxWorkers int           `yaml:"max_workers"`
	Interval   time.Duration `yaml:"interval"`
}

// Redis configures the optional stats mirror. Empty Addr disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Server holds the daemon's health listener configuration.
type Server struct {
	HealthAddr string `yaml:"health_addr"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/crypto.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "data/archive"
	}

	if cfg.Universe.BaseURL == "" {
		cfg.Universe.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Universe.Currency == "" {
		cfg.Universe.Currency = "usd"
	}
	if cfg.Universe.Pages <= 0 {
		cfg.Universe.Pages = 4
	}
	if cfg.Universe.PerPage <= 0 {
		cfg.Universe.PerPage = 250
	}
	if cfg.Universe.PageDelay == 0 {
		cfg.Universe.PageDelay = time.Second
	}
	if cfg.Universe.Timeout <= 0 {
		cfg.Universe.Timeout = 5 * time.Second
	}

	if cfg.History.BaseURL == "" {
		cfg.History.BaseURL = "https://api.binance.com"
	}
	if cfg.History.Quote == "" {
		cfg.History.Quote = "USDT"
	}
	if cfg.History.PairsCachePath == "" {
		cfg.History.PairsCachePath = "data/binance_symbols.json"
	}
	if cfg.History.PageLimit <= 0 {
		cfg.History.PageLimit = 1000
	}
	if cfg.History.RequestInterval == 0 {
		cfg.History.RequestInterval = 250 * time.Millisecond
	}
	if cfg.History.CandleTimeout <= 0 {
		cfg.History.CandleTimeout = 7 * time.Second
	}
	if cfg.History.Timeout <= 0 {
		cfg.History.Timeout = 5 * time.Second
	}
	if cfg.History.DeepHistoryDays <= 0 {
		cfg.History.DeepHistoryDays = 3650
	}

	if cfg.Pipeline.MaxWorkers <= 0 {
		cfg.Pipeline.MaxWorkers = 20
	}
	if cfg.Pipeline.Interval <= 0 {
		cfg.Pipeline.Interval = 24 * time.Hour
	}

	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 48 * time.Hour
	}

	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = ":9090"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides and then fills remaining zero values with
// defaults. A missing file is not an error: the defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COINSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("COINSYNC_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("COINSYNC_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("COINSYNC_UNIVERSE_URL"); v != "" {
		cfg.Universe.BaseURL = v
	}
	if v := os.Getenv("COINSYNC_HISTORY_URL"); v != "" {
		cfg.History.BaseURL = v
	}
	if v := os.Getenv("COINSYNC_PAIRS_CACHE"); v != "" {
		cfg.History.PairsCachePath = v
	}

	if v := os.Getenv("COINSYNC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxWorkers = n
		}
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// DATABASE_URL is the conventional name and wins over the prefixed one.
	if v := os.Getenv("COINSYNC_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
}
