package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bonus_ledger/internal/admin"
	"bonus_ledger/internal/api"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/config"
	"bonus_ledger/internal/database"
	"bonus_ledger/internal/events"
	"bonus_ledger/internal/expiry"
	"bonus_ledger/internal/logging"
	"bonus_ledger/internal/player"
	"bonus_ledger/internal/reconciler"
	"bonus_ledger/internal/wagering"
	"bonus_ledger/internal/wallet"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := database.Migrate(cfg.DBConnStr); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}
	db, err := database.Open(cfg.DBConnStr)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	logger.Info().Msg("Database ready")

	walletRepo := wallet.NewRepository(db, cfg.WalletCurrency)
	walletService := wallet.NewService(db, walletRepo)
	catalogService := catalog.NewService(db, logging.WithComponent(logger, "catalog"))
	rec := reconciler.New(walletRepo, logging.WithComponent(logger, "reconciler"))
	bonusService := bonus.NewService(db, catalogService, player.NewRepository(db), rec, logging.WithComponent(logger, "bonus"))

	hub := wagering.NewNotificationHub()
	bonusService.SetNotifier(hub)
	accumulator := wagering.NewAccumulator(bonusService, catalogService, logging.WithComponent(logger, "wagering"), cfg.AdvanceMaxRetries)
	gateway := admin.NewGateway(db, catalogService, bonusService, logging.WithComponent(logger, "admin"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := expiry.NewSweeper(bonusService, cfg.ExpirySweepInterval, cfg.ExpirySweepBatch, logging.WithComponent(logger, "expiry"))
	sweeper.Start(ctx)

	var consumers []*events.Consumer
	if cfg.KafkaEnabled() {
		consumerLogger := logging.WithComponent(logger, "events")
		consumers = append(consumers,
			events.NewConsumer(events.ConsumerConfig{
				Brokers:       cfg.KafkaBrokers,
				Topic:         cfg.KafkaBetTopic,
				ConsumerGroup: cfg.KafkaConsumerGroup,
				Logger:        consumerLogger,
			}, events.BetHandler(accumulator, consumerLogger)),
			events.NewConsumer(events.ConsumerConfig{
				Brokers:       cfg.KafkaBrokers,
				Topic:         cfg.KafkaDepositTopic,
				ConsumerGroup: cfg.KafkaConsumerGroup,
				Logger:        consumerLogger,
			}, events.DepositHandler(bonusService, consumerLogger)),
		)
		for _, c := range consumers {
			c.Start(ctx)
		}
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Msg("Event consumers started")
	} else {
		logger.Info().Msg("KAFKA_BROKERS not set, event consumers disabled")
	}

	router := api.NewRouter(api.Deps{
		Catalog:     catalogService,
		Bonuses:     bonusService,
		Gateway:     gateway,
		Accumulator: accumulator,
		Hub:         hub,
		Wallet:      walletService,
		JWTSecret:   cfg.JWTSecret,
		Logger:      logging.WithComponent(logger, "http"),
	})
	srv := api.NewHTTPServer(cfg.HTTPAddr, router)

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	for _, c := range consumers {
		if err := c.Stop(); err != nil {
			logger.Error().Err(err).Msg("Consumer shutdown failed")
		}
	}
	sweeper.Stop()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info().Msg("Stopped")
}
