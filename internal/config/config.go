package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/NotShabz2004/tradesignal/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// MonitorConfig governs polling cadence and the significance filter.
type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ThresholdPct    float64       `mapstructure:"threshold_pct"`
	Coins           []string      `mapstructure:"coins"`
	Currency        string        `mapstructure:"currency"`
	FeedbackLimit   int           `mapstructure:"feedback_limit"`
	FailureCooldown time.Duration `mapstructure:"failure_cooldown"`
}

// CoinGeckoConfig captures price source connectivity.
type CoinGeckoConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// GeminiConfig covers the judgment model access.
type GeminiConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// TelegramConfig 描述 Telegram 推送与反馈参数。
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADESIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("app.name", "tradesignal")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.interval", "10m")
	v.SetDefault("monitor.threshold_pct", 0.1)
	v.SetDefault("monitor.coins", []string{"bitcoin", "ethereum", "solana"})
	v.SetDefault("monitor.currency", "usd")
	v.SetDefault("monitor.feedback_limit", 10)
	v.SetDefault("monitor.failure_cooldown", "1m")

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.request_timeout", "10s")
	v.SetDefault("coingecko.max_attempts", 3)
	v.SetDefault("coingecko.retry_base_delay", "1s")
	v.SetDefault("coingecko.user_agent", "tradesignal/1.0")

	// credentials default to empty so AutomaticEnv can populate them
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("gemini.model", "gemini-2.5-flash-lite")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.request_timeout", "30s")
	v.SetDefault("gemini.max_attempts", 3)

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "30s")
	v.SetDefault("telegram.max_attempts", 3)
	v.SetDefault("telegram.poll_timeout", "25s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
// Missing credentials fail here so the process exits before the
// monitoring loop ever starts.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.ThresholdPct < 0 {
		return fmt.Errorf("monitor.threshold_pct cannot be negative")
	}
	if len(c.Monitor.Coins) != 3 {
		return fmt.Errorf("monitor.coins must list exactly three instruments, got %d", len(c.Monitor.Coins))
	}
	if c.Monitor.FeedbackLimit <= 0 {
		return fmt.Errorf("monitor.feedback_limit must be greater than zero")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key 必须配置")
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id 必须配置")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
