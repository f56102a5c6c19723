package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"treasury-metrics/internal/logging"
)

// Supported snapshot store backends.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Staleness StalenessConfig `mapstructure:"staleness"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Holdings always live here.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig is used when the snapshot store backend is redis.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StoreConfig selects where the canonical snapshot lives.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// FeedConfig describes the HTTP price feed.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	QueryParam     string        `mapstructure:"query_param"`
	PriceField     string        `mapstructure:"price_field"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	APIKey         string        `mapstructure:"api_key"`
	APIKeyHeader   string        `mapstructure:"api_key_header"`
}

// OracleConfig covers the optional on-chain price tier.
type OracleConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RPCURL         string            `mapstructure:"rpc_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Feeds          map[string]string `mapstructure:"feeds"`
}

// AssetConfig lists one tracked asset.
type AssetConfig struct {
	ID          string  `mapstructure:"id"`
	StaticPrice float64 `mapstructure:"static_price"`
	TotalSupply float64 `mapstructure:"total_supply"`
}

// SchedulerConfig governs the refresh cadence.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	Cron            string        `mapstructure:"cron"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// StalenessConfig sets the default freshness threshold for readers.
type StalenessConfig struct {
	Threshold time.Duration `mapstructure:"threshold"`
}

// AlertingConfig defines degradation alert routing.
type AlertingConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	NotifyOnFallback bool           `mapstructure:"notify_on_fallback"`
	NotifyOnFailure  bool           `mapstructure:"notify_on_failure"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for alerts.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the read/trigger API.
type HTTPConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RefreshRate   float64       `mapstructure:"refresh_rate"`
	RefreshBurst  int           `mapstructure:"refresh_burst"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxHolders int `mapstructure:"max_holders"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("TREASURY")
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

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
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
	v.SetDefault("app.name", "treasuryd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.query_timeout", "5s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "treasury:metrics")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("store.backend", StoreBackendPostgres)

	v.SetDefault("feed.base_url", "https://api.coingecko.com/api/v3/simple/price")
	v.SetDefault("feed.query_param", "ids")
	v.SetDefault("feed.price_field", "price")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.api_key_header", "x-api-key")

	v.SetDefault("oracle.enabled", false)
	v.SetDefault("oracle.request_timeout", "10s")

	v.SetDefault("assets", []map[string]any{{"id": "ethereum"}})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74726561))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("staleness.threshold", "1h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.notify_on_fallback", true)
	v.SetDefault("alerting.notify_on_failure", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.refresh_rate", 0.2)
	v.SetDefault("http.refresh_burst", 2)
	v.SetDefault("http.shutdown_grace", "10s")

	v.SetDefault("export.max_holders", 25)
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

func (c *Config) normalise() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	for i := range c.Assets {
		c.Assets[i].ID = strings.ToLower(strings.TrimSpace(c.Assets[i].ID))
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must list at least one asset")
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for _, asset := range c.Assets {
		if asset.ID == "" {
			return fmt.Errorf("assets[].id must not be empty")
		}
		if _, dup := seen[asset.ID]; dup {
			return fmt.Errorf("asset %q listed twice", asset.ID)
		}
		seen[asset.ID] = struct{}{}
		if asset.StaticPrice < 0 {
			return fmt.Errorf("asset %q: static_price cannot be negative", asset.ID)
		}
		if asset.TotalSupply < 0 {
			return fmt.Errorf("asset %q: total_supply cannot be negative", asset.ID)
		}
	}
	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendRedis:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendPostgres, StoreBackendRedis, c.Store.Backend)
	}
	if c.Scheduler.Enabled && c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Feed.RequestTimeout <= 0 {
		return fmt.Errorf("feed.request_timeout must be greater than zero")
	}
	if c.Feed.PriceField == "" {
		return fmt.Errorf("feed.price_field must not be empty")
	}
	if c.Oracle.Enabled && c.Oracle.RPCURL == "" {
		return fmt.Errorf("oracle.rpc_url is required when oracle.enabled")
	}
	if c.Staleness.Threshold <= 0 {
		return fmt.Errorf("staleness.threshold must be greater than zero")
	}
	if c.HTTP.RefreshRate < 0 {
		return fmt.Errorf("http.refresh_rate cannot be negative")
	}
	if c.Export.MaxHolders <= 0 {
		return fmt.Errorf("export.max_holders must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// Asset looks up a configured asset by id.
func (c *Config) Asset(id string) (AssetConfig, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, asset := range c.Assets {
		if asset.ID == id {
			return asset, true
		}
	}
	return AssetConfig{}, false
}

// AssetIDs returns the configured asset ids in declaration order.
func (c *Config) AssetIDs() []string {
	ids := make([]string, 0, len(c.Assets))
	for _, asset := range c.Assets {
		ids = append(ids, asset.ID)
	}
	return ids
}

// ResolveMaxHolders returns either the CLI override or config default.
func (c *Config) ResolveMaxHolders(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxHolders
}
