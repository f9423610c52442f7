// Package config exposes strongly typed application configuration structs loaded from YAML
// and overridden from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. EXECD_APP_LISTEN_ADDR.
const EnvPrefix = "EXECD"

// App captures process-wide runtime settings such as name, environment, logging and the
// query listener.
type App struct {
	Name          string `yaml:"name" mapstructure:"name"`
	Env           string `yaml:"env" mapstructure:"env"`
	LogLevel      string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat     string `yaml:"log_format" mapstructure:"log_format"`
	ListenAddr    string `yaml:"listen_addr" mapstructure:"listen_addr"`
	DefaultSymbol string `yaml:"default_symbol" mapstructure:"default_symbol"`
}

// Exchange describes the bitFlyer endpoints and the tracked symbol set.
type Exchange struct {
	WSURL         string   `yaml:"ws_url" mapstructure:"ws_url"`
	RestURL       string   `yaml:"rest_url" mapstructure:"rest_url"`
	ChannelPrefix string   `yaml:"channel_prefix" mapstructure:"channel_prefix"`
	Symbols       []string `yaml:"symbols" mapstructure:"symbols"`
	MaxReconnects int      `yaml:"max_reconnects" mapstructure:"max_reconnects"`
}

// Retention bounds how much history each window keeps.
type Retention struct {
	Hours       float64 `yaml:"hours" mapstructure:"hours"`
	PruneFactor float64 `yaml:"prune_factor" mapstructure:"prune_factor"`
}

// Backfill tunes the history crawler.
type Backfill struct {
	PageSize    int `yaml:"page_size" mapstructure:"page_size"`
	PageDelayMs int `yaml:"page_delay_ms" mapstructure:"page_delay_ms"`
}

// Watchdog tunes liveness checks and status reports.
type Watchdog struct {
	IntervalMs        int `yaml:"interval_ms" mapstructure:"interval_ms"`
	StaleThresholdSec int `yaml:"stale_threshold_sec" mapstructure:"stale_threshold_sec"`
	StatusIntervalMs  int `yaml:"status_interval_ms" mapstructure:"status_interval_ms"`
}

// Ticker configures the getticker poller.
type Ticker struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ProductCode string `yaml:"product_code" mapstructure:"product_code"`
	IntervalMs  int    `yaml:"interval_ms" mapstructure:"interval_ms"`
}

// Relay configures Redis republishing. An empty address disables it.
type Relay struct {
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
}

// Profiling points continuous profiling at a Pyroscope server. An empty address disables it.
type Profiling struct {
	ServerAddress string `yaml:"server_address" mapstructure:"server_address"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app" mapstructure:"app"`
	Exchange  Exchange  `yaml:"exchange" mapstructure:"exchange"`
	Retention Retention `yaml:"retention" mapstructure:"retention"`
	Backfill  Backfill  `yaml:"backfill" mapstructure:"backfill"`
	Watchdog  Watchdog  `yaml:"watchdog" mapstructure:"watchdog"`
	Ticker    Ticker    `yaml:"ticker" mapstructure:"ticker"`
	Relay     Relay     `yaml:"relay" mapstructure:"relay"`
	Profiling Profiling `yaml:"profiling" mapstructure:"profiling"`
}

// Default returns a config populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "bitflyer-data-server")
	setString(&c.App.Env, "development")
	setString(&c.App.LogLevel, "info")
	setString(&c.App.LogFormat, "json")
	setString(&c.App.ListenAddr, ":50001")
	setString(&c.App.DefaultSymbol, "FX_BTC_JPY")

	setString(&c.Exchange.WSURL, "wss://ws.lightstream.bitflyer.com/json-rpc")
	setString(&c.Exchange.RestURL, "https://api.bitflyer.com")
	setString(&c.Exchange.ChannelPrefix, "lightning_executions_")
	if len(c.Exchange.Symbols) == 0 {
		c.Exchange.Symbols = []string{"FX_BTC_JPY", "BTC_JPY"}
	}
	setInt(&c.Exchange.MaxReconnects, 10)

	if c.Retention.Hours == 0 {
		c.Retention.Hours = 24
	}
	if c.Retention.PruneFactor == 0 {
		c.Retention.PruneFactor = 1.1
	}

	setInt(&c.Backfill.PageSize, 1000)
	setInt(&c.Backfill.PageDelayMs, 2000)

	setInt(&c.Watchdog.IntervalMs, 60000)
	setInt(&c.Watchdog.StaleThresholdSec, 900)
	setInt(&c.Watchdog.StatusIntervalMs, 10000)

	setString(&c.Ticker.ProductCode, "FX_BTC_JPY")
	setInt(&c.Ticker.IntervalMs, 666)

	setString(&c.Relay.ChannelPrefix, "executions.")
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Exchange.Symbols) == 0 {
		errs = append(errs, errors.New("exchange.symbols must not be empty"))
	}
	for _, sym := range c.Exchange.Symbols {
		if strings.TrimSpace(sym) == "" {
			errs = append(errs, errors.New("exchange.symbols contains an empty symbol"))
			break
		}
	}
	if c.App.DefaultSymbol != "" && !slices.Contains(c.Exchange.Symbols, c.App.DefaultSymbol) {
		errs = append(errs, fmt.Errorf("app.default_symbol %q is not in exchange.symbols", c.App.DefaultSymbol))
	}
	if c.Retention.Hours <= 0 {
		errs = append(errs, errors.New("retention.hours must be positive"))
	}
	if c.Retention.PruneFactor < 1 {
		errs = append(errs, errors.New("retention.prune_factor must be at least 1"))
	}
	if c.Backfill.PageSize <= 0 || c.Backfill.PageSize > 1000 {
		errs = append(errs, errors.New("backfill.page_size must be within 1..1000"))
	}
	if c.Backfill.PageDelayMs < 0 {
		errs = append(errs, errors.New("backfill.page_delay_ms must not be negative"))
	}
	if c.Watchdog.IntervalMs <= 0 || c.Watchdog.StaleThresholdSec <= 0 {
		errs = append(errs, errors.New("watchdog interval and stale threshold must be positive"))
	}
	if c.Ticker.Enabled && c.Ticker.IntervalMs <= 0 {
		errs = append(errs, errors.New("ticker.interval_ms must be positive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the service runs in a production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.App.Env)
	return env == "production" || env == "prod"
}

// RetentionWindow returns the retention span.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Hours * float64(time.Hour))
}

// PageDelay returns the pause between history pages.
func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.Backfill.PageDelayMs) * time.Millisecond
}

// WatchdogInterval returns how often liveness is checked.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalMs) * time.Millisecond
}

// StaleThreshold returns how old the newest record may get before the feed counts as dead.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Watchdog.StaleThresholdSec) * time.Second
}

// StatusInterval returns the status report period.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Watchdog.StatusIntervalMs) * time.Millisecond
}

// TickerInterval returns the ticker polling period.
func (c *Config) TickerInterval() time.Duration {
	return time.Duration(c.Ticker.IntervalMs) * time.Millisecond
}

// Load reads a YAML file from disk, hydrates a Config struct and applies defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var envKeys = []string{
	"app.name", "app.env", "app.log_level", "app.log_format", "app.listen_addr", "app.default_symbol",
	"exchange.ws_url", "exchange.rest_url", "exchange.channel_prefix", "exchange.symbols", "exchange.max_reconnects",
	"retention.hours", "retention.prune_factor",
	"backfill.page_size", "backfill.page_delay_ms",
	"watchdog.interval_ms", "watchdog.stale_threshold_sec", "watchdog.status_interval_ms",
	"ticker.enabled", "ticker.product_code", "ticker.interval_ms",
	"relay.redis_addr", "relay.channel_prefix",
	"profiling.server_address",
}

// ApplyEnv overrides cfg with EXECD_* variables. A .env file in the working directory is
// loaded first when present; variables already set in the process win over it.
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load() // best-effort

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode env overrides: %w", err)
	}
	return nil
}
