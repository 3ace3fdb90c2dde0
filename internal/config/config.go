package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"hl-sentinel/internal/logging"
)

// minVaultHistory is the z-score window of the vault analyzer; a shorter
// history never lets that rule fire.
const minVaultHistory = 100

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Hyperliquid  HyperliquidConfig  `mapstructure:"hyperliquid"`
	Binance      EndpointConfig     `mapstructure:"binance"`
	Coinbase     EndpointConfig     `mapstructure:"coinbase"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Liquidations LiquidationsConfig `mapstructure:"liquidations"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Oracle       OracleConfig       `mapstructure:"oracle"`
	Exploits     ExploitsConfig     `mapstructure:"exploits"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig controls the read model publisher. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
}

// HTTPConfig shapes every outbound request.
type HTTPConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// HyperliquidConfig points at the exchange.
type HyperliquidConfig struct {
	APIURL string `mapstructure:"api_url"`
	AppURL string `mapstructure:"app_url"`
}

// EndpointConfig is a single base URL.
type EndpointConfig struct {
	APIURL string `mapstructure:"api_url"`
}

// ArchiveConfig locates the historical exploit archive. An empty URL disables it.
type ArchiveConfig struct {
	URL string `mapstructure:"url"`
}

// LiquidationsConfig drives the liquidation feed and pattern analyzer.
type LiquidationsConfig struct {
	URL                 string        `mapstructure:"url"`
	Window              time.Duration `mapstructure:"window"`
	CascadeMultiple     float64       `mapstructure:"cascade_multiple"`
	BaselineWindows     int           `mapstructure:"baseline_windows"`
	MinCascadeUSD       float64       `mapstructure:"min_cascade_usd"`
	FlashMinUSD         float64       `mapstructure:"flash_min_usd"`
	FlashImpactPct      float64       `mapstructure:"flash_impact_pct"`
	LargeLiquidationUSD float64       `mapstructure:"large_liquidation_usd"`
}

// VaultConfig selects the tracked vault and its alert bands.
type VaultConfig struct {
	Address             string        `mapstructure:"address"`
	HistoryCap          int           `mapstructure:"history_cap"`
	CriticalLossUSD     float64       `mapstructure:"critical_loss_usd"`
	HighLossUSD         float64       `mapstructure:"high_loss_usd"`
	DrawdownCriticalPct float64       `mapstructure:"drawdown_critical_pct"`
	SigmaThreshold      float64       `mapstructure:"sigma_threshold"`
	AlertCooldown       time.Duration `mapstructure:"alert_cooldown"`
}

// OracleAsset maps an exchange asset to external venue symbols.
type OracleAsset struct {
	Binance  string `mapstructure:"binance"`
	Coinbase string `mapstructure:"coinbase"`
}

// OracleConfig configures the deviation monitor.
type OracleConfig struct {
	Assets      map[string]OracleAsset `mapstructure:"assets"`
	WarningPct  float64                `mapstructure:"warning_pct"`
	DangerPct   float64                `mapstructure:"danger_pct"`
	CriticalPct float64                `mapstructure:"critical_pct"`
	Sustained   time.Duration          `mapstructure:"sustained"`
	HistoryCap  int                    `mapstructure:"history_cap"`
}

// ExploitsConfig shapes the merged exploit cache.
type ExploitsConfig struct {
	Freshness  time.Duration `mapstructure:"freshness"`
	MaxRecords int           `mapstructure:"max_records"`
	EventRing  int           `mapstructure:"event_ring"`
}

// MetricsConfig exposes the Prometheus listener. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HLSENTINEL")
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

	cfg.normalize()
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
	v.SetDefault("app.name", "hl-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "hlsentinel:")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x686c736e))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_timeout", "45s")

	v.SetDefault("http.request_timeout", "10s")
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.retry_backoff", "250ms")
	v.SetDefault("http.rate_per_second", 10.0)
	v.SetDefault("http.burst", 5)
	v.SetDefault("http.breaker_failures", 5)
	v.SetDefault("http.breaker_timeout", "30s")

	v.SetDefault("hyperliquid.api_url", "https://api.hyperliquid.xyz/info")
	v.SetDefault("hyperliquid.app_url", "https://app.hyperliquid.xyz")
	v.SetDefault("binance.api_url", "https://api.binance.com/api/v3/ticker/price")
	v.SetDefault("coinbase.api_url", "https://api.coinbase.com/v2/prices")

	v.SetDefault("liquidations.window", "5m")
	v.SetDefault("liquidations.cascade_multiple", 3.0)
	v.SetDefault("liquidations.baseline_windows", 12)
	v.SetDefault("liquidations.min_cascade_usd", 500_000.0)
	v.SetDefault("liquidations.flash_min_usd", 250_000.0)
	v.SetDefault("liquidations.flash_impact_pct", 2.0)
	v.SetDefault("liquidations.large_liquidation_usd", 1_000_000.0)

	v.SetDefault("vault.address", "0xdfc24b077bc1425ad1dea75bcb6f8158e10df303")
	v.SetDefault("vault.history_cap", 1000)
	v.SetDefault("vault.critical_loss_usd", 2_000_000.0)
	v.SetDefault("vault.high_loss_usd", 1_000_000.0)
	v.SetDefault("vault.drawdown_critical_pct", 10.0)
	v.SetDefault("vault.sigma_threshold", 3.0)
	v.SetDefault("vault.alert_cooldown", "15m")

	v.SetDefault("oracle.warning_pct", 0.3)
	v.SetDefault("oracle.danger_pct", 0.5)
	v.SetDefault("oracle.critical_pct", 1.0)
	v.SetDefault("oracle.sustained", "30s")
	v.SetDefault("oracle.history_cap", 100)

	v.SetDefault("exploits.freshness", "5m")
	v.SetDefault("exploits.max_records", 5000)
	v.SetDefault("exploits.event_ring", 1000)

	v.SetDefault("metrics.listen", ":9102")

	v.SetDefault("export.max_data_points", 100000)
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

// normalize canonicalises case-sensitive keys. Viper lowercases map keys, so
// oracle asset symbols are restored to upper case here.
func (c *Config) normalize() {
	c.Vault.Address = strings.ToLower(strings.TrimSpace(c.Vault.Address))
	if len(c.Oracle.Assets) > 0 {
		assets := make(map[string]OracleAsset, len(c.Oracle.Assets))
		for sym, m := range c.Oracle.Assets {
			assets[strings.ToUpper(strings.TrimSpace(sym))] = m
		}
		c.Oracle.Assets = assets
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
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries cannot be negative")
	}
	if !common.IsHexAddress(c.Vault.Address) {
		return fmt.Errorf("vault.address %q is not a valid hex address", c.Vault.Address)
	}
	if c.Vault.HistoryCap < 0 || (c.Vault.HistoryCap > 0 && c.Vault.HistoryCap < minVaultHistory) {
		return fmt.Errorf("vault.history_cap must be 0 (unbounded) or at least %d", minVaultHistory)
	}
	if c.Vault.HighLossUSD <= 0 || c.Vault.CriticalLossUSD < c.Vault.HighLossUSD {
		return fmt.Errorf("vault.critical_loss_usd must be >= vault.high_loss_usd > 0")
	}
	o := c.Oracle
	if o.WarningPct <= 0 || o.DangerPct <= o.WarningPct || o.CriticalPct <= o.DangerPct {
		return fmt.Errorf("oracle thresholds must satisfy 0 < warning_pct < danger_pct < critical_pct")
	}
	if o.Sustained <= 0 || o.Sustained > time.Minute {
		return fmt.Errorf("oracle.sustained must be within (0s, 60s]")
	}
	if c.Liquidations.Window <= 0 {
		return fmt.Errorf("liquidations.window must be greater than zero")
	}
	if c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be greater than zero")
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
