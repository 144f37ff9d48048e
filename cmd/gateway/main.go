package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/ws-gateway/internal/bus"
	"github.com/adred-codev/ws-gateway/internal/config"
	"github.com/adred-codev/ws-gateway/internal/gateway"
	"github.com/adred-codev/ws-gateway/internal/monitoring"
	"github.com/adred-codev/ws-gateway/internal/offline"
	"github.com/adred-codev/ws-gateway/internal/topics"
)

func main() {
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	store, err := offline.Open(offline.Config{
		Dir:          cfg.OfflineDir,
		Retention:    cfg.OfflineRetention,
		PerPrincipal: cfg.OfflinePerPrincipal,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open offline store")
	}
	defer store.Close()

	table := gateway.NewHandlerTable()
	gw := gateway.New(gateway.Options{
		Config:   cfg,
		Logger:   logger,
		Handlers: table,
		Offline:  store,
	})

	pub := gw.Broadcaster()
	balances := topics.NewBalanceStore()

	market := topics.NewMarketData(pub, logger)
	walletBalance := topics.NewWalletBalance(balances, pub, logger)
	portfolio := topics.NewPortfolio(pub, logger)
	user := topics.NewUser(pub, logger)
	contest := topics.NewContest(pub, logger)
	skyduel := topics.NewSkyDuel(pub, logger)

	table.Register(topics.TopicMarketData, market)
	table.Register(topics.TopicSystem, topics.NewSystem(gw))
	table.Register(topics.TopicPortfolio, portfolio)
	table.Register(topics.TopicWallet, topics.NewWallet(balances, pub, logger))
	table.Register(topics.TopicWalletBalance, walletBalance)
	table.Register(topics.TopicUser, user)
	table.Register(topics.TopicContest, contest)
	table.Register(topics.TopicSkyDuel, skyduel)
	table.Register(topics.TopicAdmin, topics.NewAdmin(gw, pub, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw.Start(ctx)

	sysmon := monitoring.NewSystemMonitor(cfg.MetricsInterval, logger)
	go sysmon.Run(ctx)

	if cfg.NATSURL != "" {
		bridge, err := bus.Connect(bus.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Logger:        logger,
		}, pub)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect event bus")
		}
		bridge.RegisterIngestor(topics.TopicMarketData, market)
		bridge.RegisterIngestor(topics.TopicWalletBalance, walletBalance)
		bridge.RegisterIngestor(topics.TopicPortfolio, portfolio)
		bridge.RegisterIngestor(topics.TopicUser, user)
		bridge.RegisterIngestor(topics.TopicContest, contest)
		bridge.RegisterIngestor(topics.TopicSkyDuel, skyduel)
		if err := bridge.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start event bridge")
		}
		defer bridge.Close()
	}

	if len(cfg.KafkaBrokers) > 0 {
		feed, err := bus.NewKafkaFeed(bus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Group:   cfg.KafkaGroup,
			Logger:  logger,
		}, pub)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create kafka feed")
		}
		feed.RegisterIngestor(topics.TopicMarketData, market)
		feed.RegisterIngestor(topics.TopicWalletBalance, walletBalance)
		feed.RegisterIngestor(topics.TopicPortfolio, portfolio)
		feed.RegisterIngestor(topics.TopicUser, user)
		feed.RegisterIngestor(topics.TopicContest, contest)
		feed.RegisterIngestor(topics.TopicSkyDuel, skyduel)
		feed.Start(ctx)
		defer feed.Stop()
	}

	server := gateway.NewServer(gw)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}
