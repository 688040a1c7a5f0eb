package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/resortops/passkeeper/internal/cache"
	"github.com/resortops/passkeeper/internal/config"
	"github.com/resortops/passkeeper/internal/db"
	"github.com/resortops/passkeeper/internal/gateway/myth"
	"github.com/resortops/passkeeper/internal/gateway/skidata"
	"github.com/resortops/passkeeper/internal/kafka"
	"github.com/resortops/passkeeper/internal/ledger"
	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/metrics"
	"github.com/resortops/passkeeper/internal/repository"
	"github.com/resortops/passkeeper/internal/server"
	"github.com/resortops/passkeeper/internal/swap"
)

func main() {
	cfg := config.LoadConfig()

	logFile, err := logger.Setup(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		logger.Fatal("Error in logger setup", err)
	}
	defer logFile.Close()

	metrics.Register()

	database, err := db.NewDB(cfg.DSN)
	if err != nil {
		logger.Fatal("Error in connection to db", err)
	}
	defer database.Close()

	orders := repository.NewOrderRepository(database)
	sessions := repository.NewPostgresSessionLogRepository(database)

	var ledgerOpts []ledger.Option
	if cfg.KafkaEnabled() {
		producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Fatal("Error in kafka producer", err)
		}
		defer producer.Close()
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(producer))
		logger.Info("device history fan-out enabled", "topic", cfg.KafkaTopic)
	}
	history := ledger.New(ledger.NewPostgresStore(database), ledgerOpts...)

	orchestrator := swap.NewOrchestrator(
		orders,
		myth.NewClient(cfg.MythBaseURL, cfg.MythToken, cfg.MythTimeout),
		skidata.NewClient(cfg.SkidataBaseURL, cfg.SkidataToken, cfg.SkidataTimeout),
		history,
		cache.NewStatusBoard(),
		swap.WithTimeouts(cfg.MythTimeout, cfg.SkidataTimeout),
	)

	srv := server.NewServer(orchestrator, history, sessions, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server stopped", err)
	}
	logger.Info("server stopped")
}
