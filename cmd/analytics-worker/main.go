// Command analytics-worker consumes click messages published by the server
// when CLICK_SINK=amqp and records them in PostgreSQL.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhejian/linkshortener/internal/clicks"
	"github.com/zhejian/linkshortener/internal/config"
	"github.com/zhejian/linkshortener/internal/infra"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName + "-worker",
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogFile:      cfg.Observability.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	if err := run(ctx, cfg, obs.Logger); err != nil {
		obs.Logger.Error("worker stopped with error", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := infra.NewPostgresPool(ctx, cfg.Database.ConnectionString(), infra.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLife,
		MaxConnIdleTime: cfg.Database.MaxConnIdle,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := infra.NewAMQPConnection(ctx, cfg.Clicks.AMQPURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	consumer := clicks.NewConsumer(conn, server.NewRecorder(cfg, db, logger), clicks.ConsumerOptions{
		Queue:       cfg.Clicks.AMQPQueue,
		Concurrency: cfg.Clicks.Workers,
		JobTimeout:  cfg.Clicks.JobTimeout,
	}, logger)

	logger.Info("analytics worker started", slog.String("queue", cfg.Clicks.AMQPQueue))
	if err := consumer.Run(ctx); err != nil {
		return err
	}
	logger.Info("analytics worker stopped")
	return nil
}
