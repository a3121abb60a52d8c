package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/domain"
	"bracketBot/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool
	// Spot quote asset used for balances and the daily baseline
	QuoteAsset string

	// Exchange request limiter
	ExchangeRateLimit float64
	ExchangeRateBurst int

	// Ledger
	LedgerDriver    string // sqlite3 or postgres
	DBPath          string
	DatabaseURL     string
	StartingCapital float64

	// Logging
	LogLevel logger.LogLevel

	// Risk thresholds, in percent
	Risk risk.Config

	// Loops
	MonitorInterval   time.Duration
	AutoTradeInterval time.Duration
	AutoTradeBatch    int

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Redis (optional). Enables the reconcile lock and the recommendation feed.
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RecommendationQueue string

	// HTTP API
	HTTPAddr string
	Debug    bool

	DefaultTradingMode domain.TradingMode
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// A missing .env file is fine, plain env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // testnet unless told otherwise
	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDC"))

	cfg.ExchangeRateLimit, err = getEnvAsFloatRequired("EXCHANGE_RATE_LIMIT", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXCHANGE_RATE_LIMIT: %v", err))
	} else if cfg.ExchangeRateLimit <= 0 {
		errs = append(errs, "EXCHANGE_RATE_LIMIT must be positive")
	}
	cfg.ExchangeRateBurst, err = getEnvAsIntRequired("EXCHANGE_RATE_BURST", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EXCHANGE_RATE_BURST: %v", err))
	} else if cfg.ExchangeRateBurst <= 0 {
		errs = append(errs, "EXCHANGE_RATE_BURST must be positive")
	}

	// Ledger
	cfg.LedgerDriver = strings.ToLower(getEnv("LEDGER_DRIVER", "sqlite3"))
	cfg.DBPath = getEnv("DB_PATH", "./data/bracketbot.db")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	switch cfg.LedgerDriver {
	case "sqlite3", "sqlite":
		cfg.LedgerDriver = "sqlite3"
		if cfg.DBPath == "" {
			errs = append(errs, "DB_PATH must be set for the sqlite3 ledger")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL must be set for the postgres ledger")
		}
	default:
		errs = append(errs, fmt.Sprintf("LEDGER_DRIVER must be sqlite3 or postgres, got %q", cfg.LedgerDriver))
	}
	cfg.StartingCapital, err = getEnvAsFloatRequired("STARTING_CAPITAL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STARTING_CAPITAL: %v", err))
	} else if cfg.StartingCapital < 0 {
		errs = append(errs, "STARTING_CAPITAL cannot be negative")
	}

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Risk thresholds
	defaults := risk.DefaultConfig()
	cfg.Risk.QuoteAsset = cfg.QuoteAsset
	riskFloats := []struct {
		key  string
		def  float64
		dst  *float64
		zero bool // zero allowed
	}{
		{"RISK_MAX_RISK_PER_TRADE", defaults.MaxRiskPerTrade, &cfg.Risk.MaxRiskPerTrade, false},
		{"RISK_MAX_DAILY_LOSS", defaults.MaxDailyLoss, &cfg.Risk.MaxDailyLoss, false},
		{"RISK_MAX_DRAWDOWN", defaults.MaxDrawdown, &cfg.Risk.MaxDrawdown, false},
		{"RISK_MIN_VOLATILITY", defaults.MinVolatility, &cfg.Risk.MinVolatility, true},
		{"RISK_MAX_VOLATILITY", defaults.MaxVolatility, &cfg.Risk.MaxVolatility, false},
	}
	for _, f := range riskFloats {
		v, err := getEnvAsFloatRequired(f.key, f.def)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("invalid %s: %v", f.key, err))
		case v < 0 || (v == 0 && !f.zero):
			errs = append(errs, fmt.Sprintf("%s must be positive", f.key))
		default:
			*f.dst = v
		}
	}
	if cfg.Risk.MinVolatility >= cfg.Risk.MaxVolatility && cfg.Risk.MaxVolatility > 0 {
		errs = append(errs, "RISK_MIN_VOLATILITY must be less than RISK_MAX_VOLATILITY")
	}
	cfg.Risk.MaxCorrelatedPositions, err = getEnvAsIntRequired("RISK_MAX_CORRELATED_POSITIONS", defaults.MaxCorrelatedPositions)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_MAX_CORRELATED_POSITIONS: %v", err))
	} else if cfg.Risk.MaxCorrelatedPositions <= 0 {
		errs = append(errs, "RISK_MAX_CORRELATED_POSITIONS must be positive")
	}
	cfg.Risk.MaxOpenTrades, err = getEnvAsIntRequired("RISK_MAX_OPEN_TRADES", defaults.MaxOpenTrades)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_MAX_OPEN_TRADES: %v", err))
	} else if cfg.Risk.MaxOpenTrades <= 0 {
		errs = append(errs, "RISK_MAX_OPEN_TRADES must be positive")
	}

	// Loops
	cfg.MonitorInterval, err = getEnvAsDuration("MONITOR_INTERVAL", 30*time.Second)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MONITOR_INTERVAL: %v", err))
	} else if cfg.MonitorInterval < time.Second {
		errs = append(errs, "MONITOR_INTERVAL must be at least 1s")
	}
	cfg.AutoTradeInterval, err = getEnvAsDuration("AUTOTRADE_INTERVAL", time.Minute)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid AUTOTRADE_INTERVAL: %v", err))
	} else if cfg.AutoTradeInterval < time.Second {
		errs = append(errs, "AUTOTRADE_INTERVAL must be at least 1s")
	}
	cfg.AutoTradeBatch = getEnvAsInt("AUTOTRADE_BATCH", 10)
	if cfg.AutoTradeBatch <= 0 {
		errs = append(errs, "AUTOTRADE_BATCH must be positive")
	}

	// Telegram
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	if raw := getEnv("TELEGRAM_CHAT_ID", ""); raw != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid TELEGRAM_CHAT_ID: %v", err))
		}
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// Redis
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvAsIntRequired("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REDIS_DB: %v", err))
	}
	cfg.RecommendationQueue = getEnv("RECOMMENDATION_QUEUE", "recommendations")

	// HTTP API
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.Debug = getEnvAsBool("DEBUG", false)

	mode, err := domain.ParseTradingMode(getEnv("DEFAULT_TRADING_MODE", string(domain.ModeAutoGated)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_TRADING_MODE: %v", err))
	}
	cfg.DefaultTradingMode = mode

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// TelegramEnabled reports whether notifications should go to Telegram.
func (c *Config) TelegramEnabled() bool { return c.TelegramToken != "" }

// RedisEnabled reports whether the redis lock and feed are configured.
func (c *Config) RedisEnabled() bool { return c.RedisAddr != "" }

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Set but invalid is an error, unlike unset.
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") and bare seconds ("30").
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return d, nil
}
