package main

import (
	"context"
	"log" // standard log only for fatal errors before the logger exists

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"bracketBot/config"
	"bracketBot/internal/adapters/binanceclient"
	"bracketBot/internal/adapters/httpapi"
	"bracketBot/internal/adapters/logger"
	"bracketBot/internal/adapters/redisstore"
	"bracketBot/internal/adapters/sqlledger"
	"bracketBot/internal/adapters/telegram"
	"bracketBot/internal/app"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
	"bracketBot/internal/risk"
)

func main() {
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Logger and metrics
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)

	// 3. Ledger
	ledger, err := sqlledger.New(sqlledger.Config{
		Driver:          cfg.LedgerDriver,
		DBPath:          cfg.DBPath,
		DSN:             cfg.DatabaseURL,
		Logger:          appLogger.With("ledger"),
		StartingCapital: cfg.StartingCapital,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize ledger")
		log.Fatalf("FATAL: Failed to initialize ledger: %v", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing ledger")
		}
	}()
	appLogger.Info(ctx, "Ledger initialized", map[string]interface{}{"driver": cfg.LedgerDriver})
	if cfg.StartingCapital == 0 {
		appLogger.Warn(ctx, "STARTING_CAPITAL not set, equity is seeded from the first recorded daily balance")
	}

	// 4. Exchange gateway
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:          cfg.APIKey,
		SecretKey:       cfg.SecretKey,
		UseTestnet:      cfg.IsTestnet,
		Logger:          appLogger.With("binance"),
		Metrics:         appMetrics,
		RateLimitPerSec: cfg.ExchangeRateLimit,
		RateBurst:       cfg.ExchangeRateBurst,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Optional notification sink
	var notifier ports.Notifier
	if cfg.TelegramEnabled() {
		tg, err := telegram.New(telegram.Config{
			Token:   cfg.TelegramToken,
			ChatID:  cfg.TelegramChatID,
			Logger:  appLogger.With("telegram"),
			Metrics: appMetrics,
		})
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		defer tg.Close()
		notifier = tg
	} else {
		appLogger.Warn(ctx, "TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	// 6. Optional redis: reconcile lock and recommendation feed
	var (
		locker ports.Locker
		feed   ports.RecommendationSource
	)
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to connect to redis", map[string]interface{}{"addr": cfg.RedisAddr})
			log.Fatalf("FATAL: Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		locker = redisstore.NewLocker(rdb, "")
		feed = redisstore.NewFeed(rdb, cfg.RecommendationQueue, appLogger.With("feed"))
		appLogger.Info(ctx, "Redis connected", map[string]interface{}{"addr": cfg.RedisAddr})
	} else {
		appLogger.Warn(ctx, "REDIS_ADDR not set, running single-instance without auto trading")
	}

	// 7. Core services
	gate, err := risk.NewGate(cfg.Risk, ledger, exchange, appLogger.With("risk"), appMetrics)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}
	manager, err := app.NewManager(exchange, ledger, gate, notifier, appLogger.With("trader"), appMetrics)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade manager: %v", err)
	}
	modes, err := app.NewModeService(ledger, cfg.DefaultTradingMode, appLogger.With("mode"))
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize mode service: %v", err)
	}
	monitor, err := app.NewMonitor(app.MonitorConfig{Interval: cfg.MonitorInterval, QuoteAsset: cfg.QuoteAsset},
		exchange, manager, ledger, exchange, locker, notifier, appLogger.With("monitor"), appMetrics)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize monitor: %v", err)
	}
	api, err := httpapi.New(cfg.HTTPAddr, httpapi.Deps{
		Trades:     manager,
		Risk:       gate,
		Modes:      modes,
		Reports:    app.NewReports(ledger),
		Ledger:     ledger,
		Balances:   exchange,
		QuoteAsset: cfg.QuoteAsset,
		Logger:     appLogger.With("http"),
		Registry:   registry,
		Debug:      cfg.Debug,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize HTTP API: %v", err)
	}

	components := []app.Component{
		{Name: "monitor", Run: monitor.Run},
		{Name: "http", Run: api.Start},
	}
	if feed != nil {
		auto, err := app.NewAutoTrader(app.AutoTraderConfig{Interval: cfg.AutoTradeInterval, BatchSize: cfg.AutoTradeBatch},
			feed, manager, modes, notifier, appLogger.With("autotrader"))
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize auto trader: %v", err)
		}
		components = append(components, app.Component{Name: "autotrader", Run: auto.Run})
	}

	// 8. Run until signalled
	service, err := app.NewService(appLogger, exchange, ledger, components...)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}
	appLogger.Info(ctx, "Bracket service initialized", map[string]interface{}{
		"mode": modes.Get(ctx).String(), "quote": cfg.QuoteAsset, "testnet": cfg.IsTestnet,
	})
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Bracket service exited with error")
		log.Fatalf("FATAL: Bracket service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
