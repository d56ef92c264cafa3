// Package config defines the bot configuration, its defaults, and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/sdexbot/internal/arbitrage"
	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by SDEXBOT_* environment variables.
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Orders    OrdersConfig    `toml:"orders"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Route     RouteConfig     `toml:"route"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// AccountConfig names the trading account and where its signing key lives.
// Either PrivateKey or KeyringPath must be set.
type AccountConfig struct {
	Address         string `toml:"address"`
	KeyID           string `toml:"key_id"`
	PrivateKey      string `toml:"private_key"`
	KeyringPath     string `toml:"keyring_path"`
	KeyringPassword string `toml:"keyring_password"`
}

// LedgerConfig holds the ledger gateway endpoints and retry policy.
type LedgerConfig struct {
	BaseURL     string   `toml:"base_url"`
	WSURL       string   `toml:"ws_url"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	Timeout     duration `toml:"timeout"`
	MaxRetries  int      `toml:"max_retries"` // NetworkTimeout retries
	BackoffBase duration `toml:"backoff_base"`
	BackoffMax  duration `toml:"backoff_max"`
}

// OrdersConfig drives the order lifecycle manager.
type OrdersConfig struct {
	LockTimeout      duration `toml:"lock_timeout"`   // T_lock
	SubmitTimeout    duration `toml:"submit_timeout"` // T_submit
	MaxRetries       int      `toml:"max_retries"`    // sequence collisions
	FillEpsilon      string   `toml:"fill_epsilon"`
	CheckBalance     bool     `toml:"check_balance"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	ReconnectBase    duration `toml:"reconnect_base"`
	ReconnectMax     duration `toml:"reconnect_max"`
	DistributedGuard bool     `toml:"distributed_guard"` // Redis lock per account sequence
	GuardTTL         duration `toml:"guard_ttl"`
	HistoryRetention duration `toml:"history_retention"` // terminal orders kept in memory
}

// BreakerConfig configures the gateway circuit breaker.
type BreakerConfig struct {
	Threshold int      `toml:"threshold"`
	Timeout   duration `toml:"timeout"`
}

// ArbitrageConfig configures graph building, detection and the scan loop.
type ArbitrageConfig struct {
	Enabled        bool               `toml:"enabled"`
	Pairs          []string           `toml:"pairs"`   // "BASE/COUNTER" using asset notation
	Origins        []string           `toml:"origins"` // empty: every asset
	MinLiquidity   float64            `toml:"min_liquidity"`
	MaxHops        int                `toml:"max_hops"`
	MinMargin      float64            `toml:"min_margin"`
	Workers        int                `toml:"workers"`
	MaxSnapshotAge duration           `toml:"max_snapshot_age"`
	ScanInterval   duration           `toml:"scan_interval"`
	AutoExecute    bool               `toml:"auto_execute"`
	DedupTTL       duration           `toml:"dedup_ttl"`
	HistoryLimit   int                `toml:"history_limit"`
	FollowBus      bool               `toml:"follow_bus"` // read liquidity from the bus instead of the ledger stream
	Fees           arbitrage.FeeModel `toml:"fees"`
}

// RouteConfig configures route sizing and the pre-submission jitter.
type RouteConfig struct {
	TradeAmount   string       `toml:"trade_amount"`
	MaxPathAssets int          `toml:"max_path_assets"`
	Jitter        JitterConfig `toml:"jitter"`
}

// JitterConfig picks the distribution of the random pre-submission delay.
type JitterConfig struct {
	Distribution string   `toml:"distribution"` // uniform | exponential
	Min          duration `toml:"min"`
	Max          duration `toml:"max"`
	Mean         duration `toml:"mean"`
}

// PostgresConfig holds the history store connection.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds the Redis connection used for locks, rate limits and
// the event bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules moving terminal orders to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	Prefix        string   `toml:"prefix"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"` // empty disables auth
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per rate_window per client; needs redis
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with the values from config.example.toml.
func Defaults() Config {
	return Config{
		Account: AccountConfig{KeyID: "trading"},
		Ledger: LedgerConfig{
			BaseURL:     "http://localhost:8080",
			WSURL:       "ws://localhost:8080/ws",
			Timeout:     duration{10 * time.Second},
			MaxRetries:  3,
			BackoffBase: duration{200 * time.Millisecond},
			BackoffMax:  duration{5 * time.Second},
		},
		Orders: OrdersConfig{
			LockTimeout:      duration{5 * time.Second},
			SubmitTimeout:    duration{30 * time.Second},
			MaxRetries:       3,
			FillEpsilon:      "0.0000001",
			CheckBalance:     true,
			RateLimit:        0,
			RateWindow:       duration{time.Second},
			ReconnectBase:    duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			GuardTTL:         duration{time.Minute},
			HistoryRetention: duration{24 * time.Hour},
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Timeout:   duration{30 * time.Second},
		},
		Arbitrage: ArbitrageConfig{
			Enabled:        false,
			MinLiquidity:   10,
			MaxHops:        4,
			MinMargin:      0.002,
			Workers:        4,
			MaxSnapshotAge: duration{10 * time.Second},
			ScanInterval:   duration{5 * time.Second},
			AutoExecute:    false,
			DedupTTL:       duration{30 * time.Second},
			HistoryLimit:   1000,
			Fees:           arbitrage.FeeModel{PerHop: 0.0001},
		},
		Route: RouteConfig{
			TradeAmount:   "100",
			MaxPathAssets: 5,
			Jitter: JitterConfig{
				Distribution: "uniform",
				Min:          duration{50 * time.Millisecond},
				Max:          duration{500 * time.Millisecond},
			},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "sdexbot",
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
			KeyPrefix:  "sdexbot:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sdexbot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{6 * time.Hour},
			RetentionDays: 30,
			Prefix:        "archive",
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8000,
			RateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"breaker_open", "order_failed", "arb_executed"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":     true,
	"arbitrage": true,
	"full":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value in one combined error.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: trade, arbitrage, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Account
	if c.Account.Address == "" {
		add("account: address must be set")
	}
	if c.Account.KeyID == "" {
		add("account: key_id must be set")
	}
	if c.Account.PrivateKey == "" && c.Account.KeyringPath == "" {
		add("account: either private_key or keyring_path must be set")
	}
	if c.Account.KeyringPath != "" && c.Account.KeyringPassword == "" {
		add("account: keyring_password is required when keyring_path is set")
	}

	// Ledger
	if c.Ledger.BaseURL == "" {
		add("ledger: base_url must not be empty")
	}
	if c.Ledger.WSURL == "" {
		add("ledger: ws_url must not be empty")
	}
	if (c.Ledger.APIKey == "") != (c.Ledger.APISecret == "") {
		add("ledger: api_key and api_secret must be set together")
	}
	if c.Ledger.Timeout.Duration <= 0 {
		add("ledger: timeout must be > 0")
	}
	if c.Ledger.MaxRetries < 0 {
		add("ledger: max_retries must be >= 0")
	}

	// Orders
	if c.Orders.LockTimeout.Duration <= 0 {
		add("orders: lock_timeout must be > 0")
	}
	if c.Orders.SubmitTimeout.Duration <= 0 {
		add("orders: submit_timeout must be > 0")
	}
	if c.Orders.MaxRetries < 0 {
		add("orders: max_retries must be >= 0")
	}
	if eps, err := decimal.NewFromString(c.Orders.FillEpsilon); err != nil || eps.IsNegative() {
		add("orders: fill_epsilon must be a non-negative decimal, got %q", c.Orders.FillEpsilon)
	}
	if c.Orders.RateLimit < 0 {
		add("orders: rate_limit must be >= 0")
	}
	if c.Orders.RateLimit > 0 && c.Orders.RateWindow.Duration <= 0 {
		add("orders: rate_window must be > 0 when rate_limit is set")
	}
	if (c.Orders.RateLimit > 0 || c.Orders.DistributedGuard) && !c.Redis.Enabled {
		add("orders: rate_limit and distributed_guard require redis.enabled")
	}
	if c.Orders.HistoryRetention.Duration <= 0 {
		add("orders: history_retention must be > 0")
	}

	// Breaker
	if c.Breaker.Threshold < 1 {
		add("breaker: threshold must be >= 1")
	}
	if c.Breaker.Timeout.Duration <= 0 {
		add("breaker: timeout must be > 0")
	}

	// Arbitrage
	if c.Arbitrage.Enabled || mode == "arbitrage" || mode == "full" {
		if len(c.Arbitrage.Pairs) == 0 {
			add("arbitrage: pairs must not be empty")
		}
		for _, p := range c.Arbitrage.Pairs {
			if _, err := ParsePair(p); err != nil {
				add("arbitrage: %v", err)
			}
		}
		for _, o := range c.Arbitrage.Origins {
			if _, err := domain.ParseAsset(o); err != nil {
				add("arbitrage: origin %q: %v", o, err)
			}
		}
		if c.Arbitrage.MaxHops < 2 {
			add("arbitrage: max_hops must be >= 2")
		}
		if c.Arbitrage.MinMargin < 0 {
			add("arbitrage: min_margin must be >= 0")
		}
		if c.Arbitrage.ScanInterval.Duration <= 0 {
			add("arbitrage: scan_interval must be > 0")
		}
		if c.Arbitrage.FollowBus && !c.Redis.Enabled {
			add("arbitrage: follow_bus requires redis.enabled")
		}
		if c.Arbitrage.Fees.PerHop < 0 || c.Arbitrage.Fees.PerHop >= 1 {
			add("arbitrage: fees.per_hop must be in [0, 1)")
		}
		if c.Arbitrage.Fees.IssuedAssetSurcharge < 0 || c.Arbitrage.Fees.IssuedAssetSurcharge >= 1 {
			add("arbitrage: fees.issued_asset_surcharge must be in [0, 1)")
		}
		if amt, err := decimal.NewFromString(c.Route.TradeAmount); err != nil || !amt.IsPositive() {
			add("route: trade_amount must be a positive decimal, got %q", c.Route.TradeAmount)
		}
		if c.Route.MaxPathAssets < 1 {
			add("route: max_path_assets must be >= 1")
		}
		switch c.Route.Jitter.Distribution {
		case "uniform", "exponential":
		default:
			add("route: jitter.distribution must be uniform or exponential, got %q", c.Route.Jitter.Distribution)
		}
		if c.Route.Jitter.Max.Duration < c.Route.Jitter.Min.Duration {
			add("route: jitter.max must be >= jitter.min")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			add("archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit > 0 {
		if !c.Redis.Enabled {
			add("server: rate_limit requires redis.enabled")
		}
		if c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParsePair parses "BASE/COUNTER" where each side uses asset notation
// ("native" or "CODE:ISSUER").
func ParsePair(s string) (domain.TradingPair, error) {
	base, counter, ok := strings.Cut(s, "/")
	if !ok {
		return domain.TradingPair{}, fmt.Errorf("pair %q: want BASE/COUNTER", s)
	}
	var (
		p   domain.TradingPair
		err error
	)
	if p.Base, err = domain.ParseAsset(strings.TrimSpace(base)); err != nil {
		return domain.TradingPair{}, fmt.Errorf("pair %q: %w", s, err)
	}
	if p.Counter, err = domain.ParseAsset(strings.TrimSpace(counter)); err != nil {
		return domain.TradingPair{}, fmt.Errorf("pair %q: %w", s, err)
	}
	if err := p.Validate(); err != nil {
		return domain.TradingPair{}, fmt.Errorf("pair %q: %w", s, err)
	}
	return p, nil
}

// TradingPairs parses Arbitrage.Pairs. Call after Validate.
func (c *Config) TradingPairs() ([]domain.TradingPair, error) {
	out := make([]domain.TradingPair, 0, len(c.Arbitrage.Pairs))
	for _, s := range c.Arbitrage.Pairs {
		p, err := ParsePair(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// OriginAssets parses Arbitrage.Origins.
func (c *Config) OriginAssets() ([]domain.Asset, error) {
	out := make([]domain.Asset, 0, len(c.Arbitrage.Origins))
	for _, s := range c.Arbitrage.Origins {
		a, err := domain.ParseAsset(s)
		if err != nil {
			return nil, fmt.Errorf("origin %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}
