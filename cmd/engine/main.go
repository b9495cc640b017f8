package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradepilot/internal/advisor"
	"github.com/quantfold/tradepilot/internal/config"
	"github.com/quantfold/tradepilot/internal/dashboard"
	"github.com/quantfold/tradepilot/internal/db"
	"github.com/quantfold/tradepilot/internal/decision"
	"github.com/quantfold/tradepilot/internal/engine"
	"github.com/quantfold/tradepilot/internal/events"
	"github.com/quantfold/tradepilot/internal/exchange"
	"github.com/quantfold/tradepilot/internal/executor"
	"github.com/quantfold/tradepilot/internal/exitscan"
	"github.com/quantfold/tradepilot/internal/filter"
	"github.com/quantfold/tradepilot/internal/indicators"
	"github.com/quantfold/tradepilot/internal/metrics"
	"github.com/quantfold/tradepilot/internal/news"
	"github.com/quantfold/tradepilot/internal/notify"
	"github.com/quantfold/tradepilot/internal/risk"
	"github.com/quantfold/tradepilot/internal/scanner"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	runMigrations := flag.Bool("migrate", false, "apply pending schema migrations before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if err := run(cfg, *runMigrations); err != nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}
}

func run(cfg *config.Config, runMigrations bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runMigrations {
		if err := migrate(ctx, cfg); err != nil {
			return err
		}
	}

	store, err := db.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, caches disabled")
		redisClient = nil
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Market data and order routing. Paper trading routes orders through the
	// simulator but still reads real prices.
	binanceClient := exchange.NewBinance(exchange.BinanceConfig{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
	})
	var market exchange.MarketData = binanceClient
	if redisClient != nil {
		market = exchange.NewCachedMarketData(binanceClient, redisClient, 5*time.Minute)
	}
	var orders exchange.OrderPlacer = binanceClient
	if cfg.Account.PaperTrading {
		orders = exchange.NewPaper(market, exchange.FeeConfig{TakerPct: cfg.Exchange.Fees.Taker})
		log.Info().Msg("Paper trading enabled, orders simulated")
	}

	advisorTimeout := time.Duration(cfg.Advisors.TimeoutMS) * time.Millisecond
	fastClient := advisor.NewClient("fast-advisor", advisor.ClientConfig{
		Endpoint:    cfg.Advisors.Endpoint,
		APIKey:      cfg.Advisors.APIKey,
		Model:       cfg.Advisors.FastModel,
		Temperature: cfg.Advisors.Temperature,
		MaxTokens:   cfg.Advisors.MaxTokens,
		Timeout:     advisorTimeout,
	})
	deepClient := advisor.NewClient("deep-advisor", advisor.ClientConfig{
		Endpoint:    cfg.Advisors.Endpoint,
		APIKey:      cfg.Advisors.APIKey,
		Model:       cfg.Advisors.DeepModel,
		Temperature: cfg.Advisors.Temperature,
		MaxTokens:   cfg.Advisors.MaxTokens,
		Timeout:     advisorTimeout,
	})
	fast := advisor.NewFastAdvisor(fastClient, advisor.FastConfig{
		MinConfidence:    cfg.Escalation.MinConfidence,
		StrongConfidence: cfg.Escalation.StrongConfidence,
		MinTriggers:      cfg.Escalation.MinTriggers,
	})
	deep := advisor.NewDeepAdvisor(deepClient)

	newsSvc := news.NewService(news.Config{
		Endpoint: cfg.News.Endpoint,
		APIKey:   cfg.News.APIKey,
		CacheTTL: time.Duration(cfg.News.CacheTTLHours) * time.Hour,
		Timeout:  time.Duration(cfg.News.TimeoutMS) * time.Millisecond,
	}, redisClient)

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc = events.Connect(cfg.NATS.URL)
	}
	bus := events.New(store, nc, cfg.NATS.EventSubject)

	indicatorSvc := indicators.NewService(
		cfg.Scanner.Thresholds.RSIOversold,
		cfg.Scanner.Thresholds.RSIOverbought,
		cfg.Scanner.Thresholds.BBSqueeze,
	)

	scan := scanner.New(store, market, indicatorSvc, cfg.Scanner)
	filt := filter.New(store, fast, cfg.Account.MaxConcurrentPositions, cfg.Escalation.DedupWindow())
	maker := decision.NewMaker(store, deep, newsSvc, cfg.Confidence)
	riskSup := risk.New(store, bus, cfg.Breaker, time.Duration(cfg.Account.CooldownHours)*time.Hour)
	exec := executor.New(store, orders, market, riskSup, bus, cfg.Account, cfg.Sizing)
	exits := exitscan.New(store, cfg.ExitScan)

	eng := engine.New(cfg, store, market, scan, filt, maker, exec, exits, riskSup, bus)

	notifier := notify.New(store, cfg.Notify, buildSinks(cfg)...)
	go notifier.Run(ctx)

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.PrometheusPort)
		metricsServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(shutdownCtx)
		}()
	}

	dash := dashboard.NewServer(cfg.Dashboard, store, eng, exec, maker, exits)
	dash.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = dash.Stop(shutdownCtx)
	}()

	return eng.Run(ctx)
}

func buildSinks(cfg *config.Config) []notify.Sink {
	var sinks []notify.Sink

	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatIDs)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Telegram sink")
		} else {
			sinks = append(sinks, tg)
		}
	}

	if cfg.Notify.SMSGatewayURL != "" {
		sinks = append(sinks, notify.NewSMSSink(cfg.Notify.SMSGatewayURL, cfg.Notify.SMSAPIKey, cfg.Notify.SMSTo))
	}

	return sinks
}

func migrate(ctx context.Context, cfg *config.Config) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = cfg.Database.GetDSN()
	}

	conn, err := db.OpenMigrationDB(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return db.NewMigrator(conn).Migrate(ctx)
}
