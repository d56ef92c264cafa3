package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env when present,
// and applies SDEXBOT_* overrides. An empty path skips the file. The result
// is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides copies every set SDEXBOT_* variable onto cfg so secrets
// can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Account ──
	setStr(&cfg.Account.Address, "SDEXBOT_ACCOUNT_ADDRESS")
	setStr(&cfg.Account.KeyID, "SDEXBOT_ACCOUNT_KEY_ID")
	setStr(&cfg.Account.PrivateKey, "SDEXBOT_ACCOUNT_PRIVATE_KEY")
	setStr(&cfg.Account.KeyringPath, "SDEXBOT_ACCOUNT_KEYRING_PATH")
	setStr(&cfg.Account.KeyringPassword, "SDEXBOT_ACCOUNT_KEYRING_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "SDEXBOT_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.WSURL, "SDEXBOT_LEDGER_WS_URL")
	setStr(&cfg.Ledger.APIKey, "SDEXBOT_LEDGER_API_KEY")
	setStr(&cfg.Ledger.APISecret, "SDEXBOT_LEDGER_API_SECRET")
	setDuration(&cfg.Ledger.Timeout, "SDEXBOT_LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.MaxRetries, "SDEXBOT_LEDGER_MAX_RETRIES")

	// ── Orders ──
	setDuration(&cfg.Orders.LockTimeout, "SDEXBOT_ORDERS_LOCK_TIMEOUT")
	setDuration(&cfg.Orders.SubmitTimeout, "SDEXBOT_ORDERS_SUBMIT_TIMEOUT")
	setInt(&cfg.Orders.MaxRetries, "SDEXBOT_ORDERS_MAX_RETRIES")
	setBool(&cfg.Orders.CheckBalance, "SDEXBOT_ORDERS_CHECK_BALANCE")
	setInt(&cfg.Orders.RateLimit, "SDEXBOT_ORDERS_RATE_LIMIT")
	setBool(&cfg.Orders.DistributedGuard, "SDEXBOT_ORDERS_DISTRIBUTED_GUARD")
	setDuration(&cfg.Orders.HistoryRetention, "SDEXBOT_ORDERS_HISTORY_RETENTION")

	// ── Breaker ──
	setInt(&cfg.Breaker.Threshold, "SDEXBOT_BREAKER_THRESHOLD")
	setDuration(&cfg.Breaker.Timeout, "SDEXBOT_BREAKER_TIMEOUT")

	// ── Arbitrage ──
	setBool(&cfg.Arbitrage.Enabled, "SDEXBOT_ARBITRAGE_ENABLED")
	setStringSlice(&cfg.Arbitrage.Pairs, "SDEXBOT_ARBITRAGE_PAIRS")
	setStringSlice(&cfg.Arbitrage.Origins, "SDEXBOT_ARBITRAGE_ORIGINS")
	setFloat64(&cfg.Arbitrage.MinMargin, "SDEXBOT_ARBITRAGE_MIN_MARGIN")
	setInt(&cfg.Arbitrage.MaxHops, "SDEXBOT_ARBITRAGE_MAX_HOPS")
	setDuration(&cfg.Arbitrage.ScanInterval, "SDEXBOT_ARBITRAGE_SCAN_INTERVAL")
	setBool(&cfg.Arbitrage.AutoExecute, "SDEXBOT_ARBITRAGE_AUTO_EXECUTE")
	setBool(&cfg.Arbitrage.FollowBus, "SDEXBOT_ARBITRAGE_FOLLOW_BUS")

	// ── Route ──
	setStr(&cfg.Route.TradeAmount, "SDEXBOT_ROUTE_TRADE_AMOUNT")
	setStr(&cfg.Route.Jitter.Distribution, "SDEXBOT_ROUTE_JITTER_DISTRIBUTION")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SDEXBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SDEXBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.Host, "SDEXBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SDEXBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SDEXBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SDEXBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SDEXBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SDEXBOT_POSTGRES_SSL_MODE")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SDEXBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SDEXBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SDEXBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SDEXBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SDEXBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SDEXBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SDEXBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SDEXBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "SDEXBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SDEXBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SDEXBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SDEXBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SDEXBOT_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SDEXBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "SDEXBOT_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SDEXBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SDEXBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SDEXBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SDEXBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SDEXBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SDEXBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SDEXBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SDEXBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SDEXBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SDEXBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SDEXBOT_MODE")
	setStr(&cfg.LogLevel, "SDEXBOT_LOG_LEVEL")
}

// Typed env helpers. Each only writes when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
