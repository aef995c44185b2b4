package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"funding-fade/internal/logging"
	"funding-fade/internal/strategy"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HyperliquidConfig covers venue connectivity and credentials.
type HyperliquidConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Testnet           bool          `mapstructure:"testnet"`
	CredentialsPath   string        `mapstructure:"credentials_path"`
	VaultAddress      string        `mapstructure:"vault_address"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Stream            StreamConfig  `mapstructure:"stream"`
}

// StreamConfig toggles the websocket mid-price feed.
type StreamConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// StrategyConfig parameterises the funding fade.
type StrategyConfig struct {
	Symbol          string        `mapstructure:"symbol"`
	PeriodsPerYear  int64         `mapstructure:"periods_per_year"`
	ThresholdPct    float64       `mapstructure:"threshold_pct"`
	NotionalUSD     float64       `mapstructure:"notional_usd"`
	Leverage        int           `mapstructure:"leverage"`
	CrossMargin     bool          `mapstructure:"cross_margin"`
	Slippage        float64       `mapstructure:"slippage"`
	DryRun          bool          `mapstructure:"dry_run"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	HaltOnRejection bool          `mapstructure:"halt_on_rejection"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FUNDINGFADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fundingfade")
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

	cfg.Strategy.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Strategy.Symbol))

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

// setDefaults registers every key; AutomaticEnv only overrides keys viper knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fundingfade")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.error_backoff", "30s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66616465))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("hyperliquid.base_url", "")
	v.SetDefault("hyperliquid.testnet", false)
	v.SetDefault("hyperliquid.credentials_path", "config.json")
	v.SetDefault("hyperliquid.vault_address", "")
	v.SetDefault("hyperliquid.request_timeout", "10s")
	v.SetDefault("hyperliquid.user_agent", "fundingfade/1.0")
	v.SetDefault("hyperliquid.requests_per_second", 5.0)
	v.SetDefault("hyperliquid.burst", 2)
	v.SetDefault("hyperliquid.stream.enabled", false)
	v.SetDefault("hyperliquid.stream.url", "")
	v.SetDefault("hyperliquid.stream.max_age", "15s")
	v.SetDefault("hyperliquid.stream.reconnect_delay", "5s")

	v.SetDefault("strategy.symbol", "BTC")
	v.SetDefault("strategy.periods_per_year", 365*24)
	v.SetDefault("strategy.threshold_pct", 1000.0)
	v.SetDefault("strategy.notional_usd", 10.0)
	v.SetDefault("strategy.leverage", 1)
	v.SetDefault("strategy.cross_margin", true)
	v.SetDefault("strategy.slippage", 0.01)
	v.SetDefault("strategy.dry_run", true)
	v.SetDefault("strategy.cooldown", "0s")
	v.SetDefault("strategy.halt_on_rejection", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.namespace", "fundingfade")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)
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
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ErrorBackoff < 0 {
		return fmt.Errorf("scheduler.error_backoff cannot be negative")
	}
	if c.Strategy.Symbol == "" {
		return fmt.Errorf("strategy.symbol must be set")
	}
	if c.Strategy.PeriodsPerYear <= 0 {
		return fmt.Errorf("strategy.periods_per_year must be greater than zero")
	}
	if c.Strategy.ThresholdPct < 0 {
		return fmt.Errorf("strategy.threshold_pct cannot be negative")
	}
	if c.Strategy.NotionalUSD <= 0 {
		return fmt.Errorf("strategy.notional_usd must be greater than zero")
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("strategy.leverage must be at least 1")
	}
	if c.Strategy.Slippage < 0 || c.Strategy.Slippage >= 1 {
		return fmt.Errorf("strategy.slippage must be within [0, 1)")
	}
	if c.Strategy.Cooldown < 0 {
		return fmt.Errorf("strategy.cooldown cannot be negative")
	}
	if !c.Strategy.DryRun && c.Hyperliquid.CredentialsPath == "" {
		return fmt.Errorf("hyperliquid.credentials_path 必须配置 (dry_run 关闭时)")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Params converts the strategy section into decimal heuristic inputs.
func (s StrategyConfig) Params() strategy.Params {
	return strategy.Params{
		PeriodsPerYear: s.PeriodsPerYear,
		ThresholdPct:   decimal.NewFromFloat(s.ThresholdPct),
		NotionalUSD:    decimal.NewFromFloat(s.NotionalUSD),
		Leverage:       s.Leverage,
		Slippage:       decimal.NewFromFloat(s.Slippage),
	}
}
