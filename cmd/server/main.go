package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/zhejian/linkshortener/internal/clicks"
	"github.com/zhejian/linkshortener/internal/config"
	"github.com/zhejian/linkshortener/internal/infra"
	"github.com/zhejian/linkshortener/internal/observability"
	"github.com/zhejian/linkshortener/internal/server"
	"github.com/zhejian/linkshortener/migrations"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogFile:      cfg.Observability.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	logger := obs.Logger

	if err := run(ctx, cfg, obs); err != nil {
		logger.Error("server stopped with error", slog.String("error", err.Error()))
		shutdownObservability(obs)
		os.Exit(1)
	}
	shutdownObservability(obs)
}

func run(ctx context.Context, cfg *config.Config, obs *observability.Observability) error {
	logger := obs.Logger

	if err := migrations.Up(cfg.Database.ConnectionString()); err != nil {
		return err
	}

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
	logger.Info("database connected")

	// Redis is optional: without it the cache is bypassed and rate limits
	// are counted per process.
	var rdb redis.Cmdable
	if client, err := infra.NewCacheClient(ctx, cfg.Cache.ConnectionString()); err != nil {
		logger.Warn("cache unavailable, continuing without it", slog.String("error", err.Error()))
	} else {
		defer client.Close()
		rdb = client
	}

	var sink clicks.Handler
	switch cfg.Clicks.Sink {
	case config.SinkAMQP:
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		conn, err := infra.NewAMQPConnection(dialCtx, cfg.Clicks.AMQPURL)
		cancel()
		if err != nil {
			return err
		}
		defer conn.Close()

		redial := func(ctx context.Context) (*amqp.Connection, error) {
			return infra.NewAMQPConnection(ctx, cfg.Clicks.AMQPURL)
		}
		publisher, err := clicks.NewPublisher(conn, cfg.Clicks.AMQPQueue, redial, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sink = publisher
	default:
		sink = server.NewRecorder(cfg, db, logger)
	}

	dispatcher := clicks.NewDispatcher(sink, clicks.DispatcherOptions{
		Workers:    cfg.Clicks.Workers,
		QueueSize:  cfg.Clicks.QueueSize,
		JobTimeout: cfg.Clicks.JobTimeout,
	}, logger)
	dispatcher.Start()

	srv := server.NewServer(cfg, db, rdb, dispatcher, obs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL),
			slog.String("click_sink", cfg.Clicks.Sink))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting redirects first so no click arrives after the
		// dispatcher closes its queue.
		err := srv.Shutdown(shutdownCtx)
		if derr := dispatcher.Shutdown(shutdownCtx); derr != nil {
			logger.Warn("click dispatcher did not drain", slog.String("error", derr.Error()))
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited gracefully")
	return nil
}

func shutdownObservability(obs *observability.Observability) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obs.Shutdown(ctx)
}
