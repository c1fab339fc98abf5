package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"market-quality-pipeline/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Polygon   PolygonConfig   `mapstructure:"polygon"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig enables the reference-data cache when Addr is set.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db" validate:"gte=0"`
	CompanyTTL time.Duration `mapstructure:"company_ttl" validate:"gt=0"`
}

// SchedulerConfig governs pipeline cadence for the run command.
// Cron takes precedence over Interval when both are set.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	Cron            string        `mapstructure:"cron"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
}

// PolygonConfig captures upstream pricing API connectivity.
type PolygonConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"gt=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	UserAgent         string        `mapstructure:"user_agent"`
	ProbeSymbol       string        `mapstructure:"probe_symbol" validate:"required"`
}

// RetryConfig tunes the upstream retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	Multiplier  time.Duration `mapstructure:"multiplier" validate:"gte=0"`
	MinWait     time.Duration `mapstructure:"min_wait" validate:"gte=0"`
	MaxWait     time.Duration `mapstructure:"max_wait" validate:"gtefield=MinWait"`
}

// QualityConfig carries the data quality thresholds.
type QualityConfig struct {
	FreshnessHours    int     `mapstructure:"freshness_hours" validate:"gt=0"`
	PriceMin          float64 `mapstructure:"price_min" validate:"gte=0"`
	PriceMax          float64 `mapstructure:"price_max" validate:"gtfield=PriceMin"`
	AccuracyThreshold float64 `mapstructure:"accuracy_threshold" validate:"gte=0,lte=100"`
	Parallel          bool    `mapstructure:"parallel"`
}

// IngestConfig lists the symbols fetched on every cycle.
type IngestConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

// AlertingConfig defines quality alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinScore float64        `mapstructure:"min_score" validate:"gte=0,lte=100"`
	Cooldown time.Duration  `mapstructure:"cooldown" validate:"gte=0"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows" validate:"gt=0"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MQPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("polygon.api_key", "MQPIPE_POLYGON_API_KEY", "POLYGON_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotenv() error {
	// godotenv never overrides variables that are already exported
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mqpipe")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.company_ttl", "24h")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d717069))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("polygon.base_url", "https://api.polygon.io")
	v.SetDefault("polygon.requests_per_minute", 5)
	v.SetDefault("polygon.request_timeout", "30s")
	v.SetDefault("polygon.user_agent", "")
	v.SetDefault("polygon.probe_symbol", "AAPL")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.multiplier", "1s")
	v.SetDefault("retry.min_wait", "4s")
	v.SetDefault("retry.max_wait", "10s")

	v.SetDefault("quality.freshness_hours", 24)
	v.SetDefault("quality.price_min", 0.01)
	v.SetDefault("quality.price_max", 50000.0)
	v.SetDefault("quality.accuracy_threshold", 95.0)
	v.SetDefault("quality.parallel", false)

	v.SetDefault("ingest.symbols", []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN", "NVDA", "META", "NFLX"})

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_score", 80.0)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("export.max_rows", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	for i, symbol := range c.Ingest.Symbols {
		c.Ingest.Symbols[i] = strings.ToUpper(strings.TrimSpace(symbol))
		if c.Ingest.Symbols[i] == "" {
			return fmt.Errorf("ingest.symbols contains an empty symbol")
		}
	}
	return nil
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
