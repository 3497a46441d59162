// Package config defines all configuration for the portfolio tracker.
// Config is loaded from a YAML file (default: configs/config.yaml); every
// operational knob is overridable via the environment variables listed on
// each field, so a fleet deployment can run with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	MarketData  MarketDataConfig  `mapstructure:"market_data"`
	Calculator  CalculatorConfig  `mapstructure:"calculator"`
	History     HistoryConfig     `mapstructure:"history"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Leader      LeaderConfig      `mapstructure:"leader"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// RedisConfig locates the shared KV + pub/sub bus.
// Env: REDIS_HOST, REDIS_PORT, REDIS_DB, REDIS_PASSWORD.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// Addr returns the host:port dial string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig locates the relational store (ownership, holdings,
// history, rate limits). Env: DATABASE_URL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// BrokerConfig holds brokerage API credentials and client-side pacing.
// MaxConcurrent caps the all-accounts position fan-out; RequestsPerMinute
// feeds the token-bucket pacer so the fleet stays under provider limits.
// Env: ALPACA_API_KEY, ALPACA_API_SECRET, ALPACA_BASE_URL.
type BrokerConfig struct {
	APIKey            string `mapstructure:"api_key"`
	APISecret         string `mapstructure:"api_secret"`
	BaseURL           string `mapstructure:"base_url"`
	Feed              string `mapstructure:"feed"` // "iex" or "sip"
	MaxConcurrent     int    `mapstructure:"max_concurrent"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// AggregationConfig holds the aggregation-provider API used to sync
// holdings and transactions for plaid_/snaptrade_ accounts.
// Env: AGGREGATION_BASE_URL, AGGREGATION_API_KEY.
type AggregationConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// CollectorConfig tunes the Symbol Collector.
// Env: SYMBOL_COLLECTION_INTERVAL (seconds).
type CollectorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	PositionTTL time.Duration `mapstructure:"position_ttl"`
}

// MarketDataConfig tunes the Market Data Consumer.
// Env: PRICE_TTL (seconds).
type MarketDataConfig struct {
	PriceTTL      time.Duration `mapstructure:"price_ttl"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// CalculatorConfig tunes the Portfolio Calculator.
//
//   - MinUpdateInterval: per-account debounce for price-event recomputes.
//   - RecalcInterval: periodic force-recompute of every account.
//   - EnrichmentTTL: how long aggregation-mode outputs are reused per user.
//   - EquityTTL: how long broker account details (cash/equity) are reused.
//   - MaxDailyMovePercent: plausibility bound on a daily-return candidate;
//     candidates above it are rejected and the next source is tried.
//     Candidates above HardDailyMovePercent are always rejected.
//
// Env: MIN_UPDATE_INTERVAL, RECALCULATION_INTERVAL (both seconds).
type CalculatorConfig struct {
	MinUpdateInterval   time.Duration `mapstructure:"min_update_interval"`
	RecalcInterval      time.Duration `mapstructure:"recalculation_interval"`
	EnrichmentTTL       time.Duration `mapstructure:"enrichment_ttl"`
	EquityTTL           time.Duration `mapstructure:"equity_ttl"`
	MaxDailyMovePercent float64       `mapstructure:"max_daily_move_percent"`
}

// HardDailyMovePercent is the non-configurable ceiling: no daily-return
// source is ever trusted past this, whatever the per-deployment bound says.
const HardDailyMovePercent = 10.0

// HistoryConfig tunes the snapshot store's write schedules.
type HistoryConfig struct {
	IntradayInterval time.Duration `mapstructure:"intraday_interval"`
	RetentionDays    int           `mapstructure:"retention_days"`
	EODDelay         time.Duration `mapstructure:"eod_delay"`
}

// ServerConfig controls the WebSocket/HTTP server.
// Env: WEBSOCKET_HOST, WEBSOCKET_PORT, REFRESH_RATE_LIMIT_MINUTES.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RefreshWindow  time.Duration `mapstructure:"refresh_window"`
}

// Addr returns the host:port bind string.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds JWT verification material.
// Env: JWT_SECRET, JWT_AUDIENCE.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
}

// LeaderConfig tunes the distributed leases that gate the pipeline services.
// HeartbeatInterval defaults to a third of the lease when unset.
// Env: LEASE_DURATION, HEARTBEAT_INTERVAL, RETRY_INTERVAL, MONITOR_INTERVAL
// (all seconds).
type LeaderConfig struct {
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	MonitorInterval   time.Duration `mapstructure:"monitor_interval"`
}

// LoggingConfig controls the slog handler. Env: LOG_LEVEL, LOG_FORMAT.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: the defaults plus environment are a complete config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Leader.HeartbeatInterval == 0 {
		cfg.Leader.HeartbeatInterval = cfg.Leader.LeaseDuration / 3
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("broker.feed", "iex")
	v.SetDefault("broker.max_concurrent", 8)
	v.SetDefault("broker.requests_per_minute", 180)
	v.SetDefault("collector.interval", "300s")
	v.SetDefault("collector.position_ttl", "1h")
	v.SetDefault("market_data.price_ttl", "3600s")
	v.SetDefault("market_data.stats_interval", "60s")
	v.SetDefault("calculator.min_update_interval", "2s")
	v.SetDefault("calculator.recalculation_interval", "30s")
	v.SetDefault("calculator.enrichment_ttl", "60s")
	v.SetDefault("calculator.equity_ttl", "60s")
	v.SetDefault("calculator.max_daily_move_percent", 5.0)
	v.SetDefault("history.intraday_interval", "5m")
	v.SetDefault("history.retention_days", 7)
	v.SetDefault("history.eod_delay", "10m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.refresh_window", "5m")
	v.SetDefault("leader.lease_duration", "30s")
	v.SetDefault("leader.retry_interval", "10s")
	v.SetDefault("leader.monitor_interval", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvOverrides maps the flat operational env vars onto the config
// tree. Explicit on purpose: these names are the deployment contract.
func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Redis.Host, "REDIS_HOST")
	overrideInt(&cfg.Redis.Port, "REDIS_PORT")
	overrideInt(&cfg.Redis.DB, "REDIS_DB")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideString(&cfg.Database.URL, "DATABASE_URL")
	overrideString(&cfg.Broker.APIKey, "ALPACA_API_KEY")
	overrideString(&cfg.Broker.APISecret, "ALPACA_API_SECRET")
	overrideString(&cfg.Broker.BaseURL, "ALPACA_BASE_URL")
	overrideString(&cfg.Aggregation.BaseURL, "AGGREGATION_BASE_URL")
	overrideString(&cfg.Aggregation.APIKey, "AGGREGATION_API_KEY")
	overrideSeconds(&cfg.Collector.Interval, "SYMBOL_COLLECTION_INTERVAL")
	overrideSeconds(&cfg.MarketData.PriceTTL, "PRICE_TTL")
	overrideSeconds(&cfg.Calculator.MinUpdateInterval, "MIN_UPDATE_INTERVAL")
	overrideSeconds(&cfg.Calculator.RecalcInterval, "RECALCULATION_INTERVAL")
	overrideString(&cfg.Server.Host, "WEBSOCKET_HOST")
	overrideInt(&cfg.Server.Port, "WEBSOCKET_PORT")
	overrideMinutes(&cfg.Server.RefreshWindow, "REFRESH_RATE_LIMIT_MINUTES")
	overrideSeconds(&cfg.Leader.LeaseDuration, "LEASE_DURATION")
	overrideSeconds(&cfg.Leader.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	overrideSeconds(&cfg.Leader.RetryInterval, "RETRY_INTERVAL")
	overrideSeconds(&cfg.Leader.MonitorInterval, "MONITOR_INTERVAL")
	overrideString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	overrideString(&cfg.Auth.Audience, "JWT_AUDIENCE")
	overrideString(&cfg.Logging.Level, "LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "LOG_FORMAT")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func overrideMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set JWT_SECRET)")
	}
	if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
		return fmt.Errorf("broker credentials are required (set ALPACA_API_KEY and ALPACA_API_SECRET)")
	}
	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be > 0")
	}
	if c.MarketData.PriceTTL <= 0 {
		return fmt.Errorf("market_data.price_ttl must be > 0")
	}
	if c.Calculator.MinUpdateInterval <= 0 {
		return fmt.Errorf("calculator.min_update_interval must be > 0")
	}
	if c.Calculator.RecalcInterval <= 0 {
		return fmt.Errorf("calculator.recalculation_interval must be > 0")
	}
	if c.Calculator.MaxDailyMovePercent <= 0 || c.Calculator.MaxDailyMovePercent > HardDailyMovePercent {
		return fmt.Errorf("calculator.max_daily_move_percent must be in (0, %v]", HardDailyMovePercent)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	if c.Leader.LeaseDuration <= 0 {
		return fmt.Errorf("leader.lease_duration must be > 0")
	}
	if c.Leader.HeartbeatInterval <= 0 || c.Leader.HeartbeatInterval >= c.Leader.LeaseDuration {
		return fmt.Errorf("leader.heartbeat_interval must be > 0 and shorter than the lease")
	}
	return nil
}
