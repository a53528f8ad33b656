package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"signaltrader/internal/domain"
)

type Config struct {
	ListenAddr               string
	StoreMode                string
	DatabaseURL              string
	CredentialEncryptionKey  string
	AdminUsername            string
	AdminPassword            string
	JWTSecret                string
	MonitorAPIKey            string
	AccountsFile             string
	DefaultAccountID         string
	ExchangeBaseURL          string
	ExchangeAPIKey           string
	ExchangeAPISecret        string
	ExchangeTimeout          time.Duration
	ExchangeRetryDelay       time.Duration
	ExchangeRequestsPerSec   int
	RiskPercent              float64
	DefaultLeverage          int
	MaxLeverage              int
	MaxDcaLayers             int
	MaxPositionUsdt          float64
	DailyLossLimitUsdt       float64
	DcaRiskMultiplier        float64
	AllowedSymbols           []string
	Timezone                 string
	MaxEntryDeviation        float64
	MinNotionalUsdt          float64
	MarginUsageCap           float64
	DedupEnabled             bool
	DedupWindow              time.Duration
	CancelDedupWindow        time.Duration
	BroadcastWorkers         int
	TelegramBotToken         string
	TelegramChatID           string
	DiscordWebhookURL        string
	DiscordWebhookTimeout    time.Duration
	DiscordWebhookMaxRetries int
}

func Load() Config {
	return Config{
		ListenAddr:               getEnv("LISTEN_ADDR", ":18090"),
		StoreMode:                getEnv("STORE_MODE", "postgres"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		CredentialEncryptionKey:  getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
		AdminUsername:            getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:                getEnv("JWT_SECRET", "change-this-secret"),
		MonitorAPIKey:            getEnv("MONITOR_API_KEY", ""),
		AccountsFile:             getEnv("ACCOUNTS_FILE", ""),
		DefaultAccountID:         getEnv("DEFAULT_ACCOUNT_ID", "primary"),
		ExchangeBaseURL:          getEnv("EXCHANGE_BASE_URL", "https://fapi.binance.com"),
		ExchangeAPIKey:           getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret:        getEnv("EXCHANGE_API_SECRET", ""),
		ExchangeTimeout:          getDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		ExchangeRetryDelay:       getDuration("EXCHANGE_RETRY_DELAY", 1*time.Second),
		ExchangeRequestsPerSec:   getInt("EXCHANGE_REQUESTS_PER_SEC", 5),
		RiskPercent:              getFloat("RISK_PERCENT", 0.02),
		DefaultLeverage:          getInt("DEFAULT_LEVERAGE", 20),
		MaxLeverage:              getInt("MAX_LEVERAGE", 20),
		MaxDcaLayers:             getInt("MAX_DCA_LAYERS", 3),
		MaxPositionUsdt:          getFloat("MAX_POSITION_USDT", 50000),
		DailyLossLimitUsdt:       getFloat("DAILY_LOSS_LIMIT_USDT", 2000),
		DcaRiskMultiplier:        getFloat("DCA_RISK_MULTIPLIER", 2.0),
		AllowedSymbols:           getList("ALLOWED_SYMBOLS", "BTCUSDT"),
		Timezone:                 getEnv("TRADING_TIMEZONE", "UTC"),
		MaxEntryDeviation:        getFloat("MAX_ENTRY_DEVIATION", 0.10),
		MinNotionalUsdt:          getFloat("MIN_NOTIONAL_USDT", 5.0),
		MarginUsageCap:           getFloat("MARGIN_USAGE_CAP", 0.90),
		DedupEnabled:             getBool("DEDUP_ENABLED", true),
		DedupWindow:              getDuration("DEDUP_WINDOW", 5*time.Minute),
		CancelDedupWindow:        getDuration("CANCEL_DEDUP_WINDOW", 30*time.Second),
		BroadcastWorkers:         getInt("BROADCAST_WORKERS", 10),
		TelegramBotToken:         getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:           getEnv("TELEGRAM_CHAT_ID", ""),
		DiscordWebhookURL:        getEnv("DISCORD_WEBHOOK_URL", ""),
		DiscordWebhookTimeout:    getDuration("DISCORD_WEBHOOK_TIMEOUT", 5*time.Second),
		DiscordWebhookMaxRetries: getInt("DISCORD_WEBHOOK_MAX_RETRIES", 2),
	}
}

// DefaultRiskProfile builds the global profile every account inherits unless
// it carries its own overrides.
func (c Config) DefaultRiskProfile() domain.RiskProfile {
	return domain.RiskProfile{
		RiskPercent:         c.RiskPercent,
		DefaultLeverage:     c.DefaultLeverage,
		MaxLeverage:         c.MaxLeverage,
		MaxDcaLayers:        c.MaxDcaLayers,
		MaxPositionSizeUsdt: c.MaxPositionUsdt,
		DailyLossLimitUsdt:  c.DailyLossLimitUsdt,
		DcaRiskMultiplier:   c.DcaRiskMultiplier,
		AllowedSymbols:      c.AllowedSymbols,
		Timezone:            c.Timezone,
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
