package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradekit/internal/sizing"
)

const sampleTOML = `
mode = "run"
store = "memory"
log_level = "debug"

[ledger]
initial_cash = "1000"
commission = "0.001"

[sizing]
buy_level = "max"
on_insufficient = "skip"

[sizing.buy_levels]
max = 0.9
moderate = 0.5
conservative = 0.2

[redis]
addr = ""

[[bots]]
name = "sma"
ticker = "AAPL"
strategy = "threshold"
interval = "30s"

[bots.params]
buy_below = 100
sell_above = "120.5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradekit.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsShape(t *testing.T) {
	cfg := Defaults()
	cfg.Bots = []BotConfig{{Name: "sma", Ticker: "AAPL", Strategy: "threshold"}}
	require.NoError(t, cfg.Validate())

	pc, err := cfg.Sizing.Policy()
	require.NoError(t, err)
	assert.Equal(t, sizing.DefaultConfig(), pc)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Store)
	assert.True(t, cfg.Ledger.InitialCash.Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Ledger.Commission.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 5432, cfg.Postgres.Port, "untouched sections keep defaults")

	pc, err := cfg.Sizing.Policy()
	require.NoError(t, err)
	assert.Equal(t, sizing.LevelMax, pc.BuyLevel)
	assert.Equal(t, sizing.PolicySkip, pc.OnInsufficient)
	assert.InDelta(t, 0.9, pc.Buy.Max, 1e-9)
	assert.Equal(t, sizing.DefaultLevels(), pc.Sell)

	require.Len(t, cfg.Bots, 1)
	bot := cfg.Bots[0]
	assert.Equal(t, 30*time.Second, bot.Interval.Duration)
	assert.EqualValues(t, 100, bot.Params["buy_below"])
	assert.Equal(t, "120.5", bot.Params["sell_above"])
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "mode = \"run\"\nbogus = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADEKIT_MODE", "serve")
	t.Setenv("TRADEKIT_LEDGER_INITIAL_CASH", "2500.75")
	t.Setenv("TRADEKIT_SERVER_PORT", "9100")
	t.Setenv("TRADEKIT_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("TRADEKIT_SERVER_TRUSTED_PROXIES", "10.0.0.0/8,192.168.1.5")
	t.Setenv("TRADEKIT_REDIS_LOCK_TTL", "90s")
	t.Setenv("TRADEKIT_POSTGRES_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "serve", cfg.Mode)
	assert.True(t, cfg.Ledger.InitialCash.Equal(decimal.RequireFromString("2500.75")))
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.5"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 90*time.Second, cfg.Redis.LockTTL.Duration)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store = "sqlite"
	cfg.LogLevel = "loud"
	cfg.Ledger.InitialCash = decimal.NewFromInt(-1)
	cfg.Ledger.Commission = decimal.NewFromInt(1)
	cfg.Sizing.BuyLevels = LevelsConfig{Max: 0.3, Moderate: 0.6, Conservative: 0.1}
	cfg.Server.Port = 0
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"}
	cfg.Bots = []BotConfig{
		{Name: "sma", Ticker: "AAPL", Strategy: "threshold"},
		{Name: "sma", Ticker: "AAPL", Strategy: "threshold"},
		{Name: "", Ticker: "BAD-T", OrderType: "stop"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown store "sqlite"`,
		`unknown log_level "loud"`,
		"initial_cash",
		"commission",
		"sizing:",
		"server: port",
		`trusted_proxies entry "proxy.local"`,
		"bots[1]: duplicate bot sma:AAPL",
		"bots[2]: strategy must not be empty",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateModeSpecific(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode run needs at least one bot")

	cfg = Defaults()
	cfg.Mode = "archive"
	cfg.Store = "memory"
	cfg.S3.Bucket = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
	assert.Contains(t, err.Error(), "needs store postgres")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
	cfg.Notify.Events = []string{"closed"}
	cfg.Bots = []BotConfig{{Name: "sma", Params: map[string]any{"k": 1}}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.S3.AccessKey, "empty secrets stay empty")

	out.Bots[0].Params["k"] = 2
	out.Server.CORSOrigins[0] = "changed"
	out.Notify.Events[0] = "open"
	assert.Equal(t, "closed", cfg.Notify.Events[0])
	assert.Equal(t, 1, cfg.Bots[0].Params["k"])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
}

func TestValidateNotify(t *testing.T) {
	cfg := Defaults()
	cfg.Bots = []BotConfig{{Name: "alpha", Ticker: "AAPL", Strategy: "threshold"}}
	cfg.Notify.TelegramToken = "tok"
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram_token and telegram_chat_id")
	assert.Contains(t, err.Error(), "notifications need redis.addr")

	cfg.Notify.TelegramChatID = "42"
	cfg.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}
