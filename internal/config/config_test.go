package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Account.Address = "GTRADER"
	cfg.Account.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	return cfg
}

func TestDefaultsWithAccountValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	cfg.LogLevel = "loud"
	cfg.Breaker.Threshold = 0
	cfg.Orders.FillEpsilon = "abc"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "backtest"`,
		`unknown log_level "loud"`,
		"account: address must be set",
		"account: either private_key or keyring_path must be set",
		"breaker: threshold must be >= 1",
		"orders: fill_epsilon",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateArbitrage(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "arbitrage"
	cfg.Arbitrage.Pairs = []string{"native/USD:GISSUER", "broken"}
	cfg.Route.Jitter.Distribution = "gaussian"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pair "broken"`)
	assert.Contains(t, err.Error(), "jitter.distribution")

	cfg.Arbitrage.Pairs = []string{"native/USD:GISSUER", "USD:GISSUER/EUR:GISSUER"}
	cfg.Route.Jitter.Distribution = "exponential"
	require.NoError(t, cfg.Validate())

	pairs, err := cfg.TradingPairs()
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.True(t, pairs[0].Base.IsNative())
	assert.Equal(t, "USD", pairs[0].Counter.Code())
}

func TestValidateDependencies(t *testing.T) {
	cfg := validConfig()
	cfg.Orders.RateLimit = 10
	cfg.Archive.Enabled = true
	cfg.Server.RateLimit = 120
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "require redis.enabled")
	assert.Contains(t, err.Error(), "server: rate_limit requires redis.enabled")
	assert.Contains(t, err.Error(), "archive: requires postgres.enabled")
}

func TestParsePair(t *testing.T) {
	_, err := ParsePair("native/native")
	require.Error(t, err)

	p, err := ParsePair(" USD:GA / native ")
	require.NoError(t, err)
	assert.Equal(t, "USD:GA/native", p.String())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdexbot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "arbitrage"

[account]
address = "GFILE"

[breaker]
threshold = 3
timeout = "45s"

[arbitrage]
pairs = ["native/USD:GA"]
min_margin = 0.01

[arbitrage.fees]
per_hop = 0.0005

[route.jitter]
distribution = "exponential"
max = "2s"
`), 0o600))

	t.Setenv("SDEXBOT_ACCOUNT_ADDRESS", "GENV")
	t.Setenv("SDEXBOT_ORDERS_LOCK_TIMEOUT", "750ms")
	t.Setenv("SDEXBOT_NOTIFY_EVENTS", "order_failed, ,breaker_open")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "arbitrage", cfg.Mode)
	assert.Equal(t, "GENV", cfg.Account.Address)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Timeout.Duration)
	assert.Equal(t, 750*time.Millisecond, cfg.Orders.LockTimeout.Duration)
	assert.InDelta(t, 0.0005, cfg.Arbitrage.Fees.PerHop, 1e-12)
	assert.Equal(t, "exponential", cfg.Route.Jitter.Distribution)
	assert.Equal(t, 2*time.Second, cfg.Route.Jitter.Max.Duration)
	// Unset keys keep their defaults.
	assert.Equal(t, 50*time.Millisecond, cfg.Route.Jitter.Min.Duration)
	assert.Equal(t, []string{"order_failed", "breaker_open"}, cfg.Notify.Events)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[breaker]\nthreshhold = 3\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaker.threshhold")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.APISecret = "s3cret"
	cfg.Server.APIKey = "k"
	cfg.Arbitrage.Pairs = []string{"native/USD:GA"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Account.PrivateKey)
	assert.Equal(t, "***", out.Ledger.APISecret)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)
	assert.Equal(t, "GTRADER", out.Account.Address)

	out.Arbitrage.Pairs[0] = "changed"
	assert.Equal(t, "native/USD:GA", cfg.Arbitrage.Pairs[0])
	assert.NotEqual(t, "***", cfg.Account.PrivateKey)
}
