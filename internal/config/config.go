// Package config defines the tradekit configuration and its validation.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/sizing"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEKIT_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Sizing   SizingConfig   `toml:"sizing"`
	Bots     []BotConfig    `toml:"bots"`
	Server   ServerConfig   `toml:"server"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	// Store selects the position store: "postgres" or "memory".
	Store    string `toml:"store"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs without
// Redis: no bot locks, no event bus, no price cache.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// LockTTL bounds how long a crashed process keeps a bot locked.
	LockTTL duration `toml:"lock_ttl"`
}

// S3Config holds object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig holds the opening balances.
type LedgerConfig struct {
	InitialCash     decimal.Decimal `toml:"initial_cash"`
	InitialHoldings int64           `toml:"initial_holdings"`
	Commission      decimal.Decimal `toml:"commission"`
}

// LevelsConfig holds the three aggressiveness ratios.
type LevelsConfig struct {
	Max          float64 `toml:"max"`
	Moderate     float64 `toml:"moderate"`
	Conservative float64 `toml:"conservative"`
}

// SizingConfig mirrors sizing.Config in TOML form.
type SizingConfig struct {
	BuyLevels      LevelsConfig `toml:"buy_levels"`
	SellLevels     LevelsConfig `toml:"sell_levels"`
	BuyLevel       string       `toml:"buy_level"`
	SellLevel      string       `toml:"sell_level"`
	OnInsufficient string       `toml:"on_insufficient"`
}

// Policy converts the section into a validated sizing.Config.
func (s SizingConfig) Policy() (sizing.Config, error) {
	cfg := sizing.Config{
		Buy:            sizing.Levels(s.BuyLevels),
		Sell:           sizing.Levels(s.SellLevels),
		BuyLevel:       sizing.Level(strings.ToLower(s.BuyLevel)),
		SellLevel:      sizing.Level(strings.ToLower(s.SellLevel)),
		OnInsufficient: sizing.ResourcePolicy(strings.ToLower(s.OnInsufficient)),
	}
	if err := cfg.Validate(); err != nil {
		return sizing.Config{}, err
	}
	return cfg, nil
}

// BotConfig configures one bot: the pair it trades and the strategy it runs.
type BotConfig struct {
	Name      string `toml:"name"`
	Ticker    string `toml:"ticker"`
	Strategy  string `toml:"strategy"`
	OrderType string `toml:"order_type"`
	// Interval between strategy runs. Zero runs the strategy once.
	Interval duration       `toml:"interval"`
	Params   map[string]any `toml:"params"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client; needs Redis.
	RateLimit int `toml:"rate_limit"`
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// ArchiveConfig controls the archive mode.
type ArchiveConfig struct {
	RetentionDays int `toml:"retention_days"`
}

// NotifyConfig holds chat channel credentials for fill notifications.
// Notifications need Redis, since they are relayed from the positions
// channel.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	// Events filters by position status after the fill ("open", "closed").
	// Empty forwards every fill.
	Events []string `toml:"events"`
}

// Enabled reports whether any notification channel is configured.
func (n NotifyConfig) Enabled() bool {
	return n.TelegramToken != "" || n.DiscordWebhookURL != ""
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values of
// config.example.toml.
func Defaults() Config {
	levels := LevelsConfig{Max: 1.0, Moderate: 0.6, Conservative: 0.4}
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradekit",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "tradekit",
			LockTTL:    duration{time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradekit-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			InitialCash: decimal.NewFromInt(10_000),
			Commission:  decimal.Zero,
		},
		Sizing: SizingConfig{
			BuyLevels:      levels,
			SellLevels:     levels,
			BuyLevel:       string(sizing.LevelModerate),
			SellLevel:      string(sizing.LevelMax),
			OnInsufficient: string(sizing.PolicyAdjust),
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Archive:  ArchiveConfig{RetentionDays: 90},
		Store:    "postgres",
		Mode:     "run",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"run":     true,
	"serve":   true,
	"archive": true,
}

var validStores = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, serve, archive)", c.Mode))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: postgres, memory)", c.Store))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.EqualFold(c.Store, "postgres") {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	if c.Redis.Addr != "" {
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	if c.Ledger.InitialCash.IsNegative() {
		errs = append(errs, "ledger: initial_cash must be >= 0")
	}
	if c.Ledger.InitialHoldings < 0 {
		errs = append(errs, "ledger: initial_holdings must be >= 0")
	}
	if c.Ledger.Commission.IsNegative() || c.Ledger.Commission.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "ledger: commission must be in [0, 1)")
	}

	if _, err := c.Sizing.Policy(); err != nil {
		errs = append(errs, "sizing: "+err.Error())
	}

	errs = append(errs, c.validateBots()...)

	if strings.EqualFold(c.Mode, "archive") {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty in archive mode")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty in archive mode")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
		if strings.EqualFold(c.Store, "memory") {
			errs = append(errs, "archive: mode archive needs store postgres")
		}
	}

	if c.Server.Enabled || strings.EqualFold(c.Mode, "serve") {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		for _, p := range c.Server.TrustedProxies {
			if !validProxy(p) {
				errs = append(errs, fmt.Sprintf("server: trusted_proxies entry %q is not an IP or CIDR", p))
			}
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.Enabled() && c.Redis.Addr == "" {
		errs = append(errs, "notify: notifications need redis.addr")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateBots() []string {
	var errs []string
	if strings.EqualFold(c.Mode, "run") && len(c.Bots) == 0 {
		errs = append(errs, "bots: mode run needs at least one bot")
	}
	seen := make(map[string]bool, len(c.Bots))
	for i, b := range c.Bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if err := domain.ValidateKey(b.Name, b.Ticker); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
		}
		key := b.Name + ":" + b.Ticker
		if seen[key] {
			errs = append(errs, fmt.Sprintf("%s: duplicate bot %s", prefix, key))
		}
		seen[key] = true
		if b.Strategy == "" {
			errs = append(errs, prefix+": strategy must not be empty")
		}
		if b.OrderType != "" {
			if _, err := domain.ParseOrderType(b.OrderType); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", prefix, err))
			}
		}
		if b.Interval.Duration < 0 {
			errs = append(errs, prefix+": interval must be >= 0")
		}
	}
	return errs
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
