package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/handler"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/message-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/service"
	"github.com/kursadbilgin/message-dispatch/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger("api", cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
	logger.Info("api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	defer func() { err = multierr.Append(err, postgresql.Close(db)) }()

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	broker, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, queue.Topology{
		WorkQueues:      []string{cfg.SendQueue, cfg.BatchQueue},
		MaxReceiveCount: cfg.MaxReceiveCount,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	queueClient := queue.NewRabbitMQClient(broker, cfg.VisibilityTimeout(), logger)
	defer func() { err = multierr.Append(err, queueClient.Close()) }()

	metrics := observability.NewMetrics()

	batches := repository.NewGormBatchRepo(db)
	messages := repository.NewGormMessageRepo(db)

	dispatcher := service.NewDispatcher(queueClient, messages, service.DispatchConfig{
		SendQueue:  cfg.SendQueue,
		BatchQueue: cfg.BatchQueue,
		Threshold:  cfg.BatchThreshold,
	}, logger)
	dispatcher.SetMetrics(metrics)

	sendService, err := service.NewSendService(batches, messages, dispatcher, logger)
	if err != nil {
		return err
	}
	sendService.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(metrics.HTTPMiddleware())
	app.Use(handler.CorrelationID())

	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.QueueCheck(broker.Healthy),
	)
	handler.RegisterOpsRoutes(app, nil, metrics)
	if err := handler.RegisterSendRoutes(app, sendService); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("api listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down api", zap.Duration("timeout", cfg.ShutdownTimeout()))
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout())
	})

	return g.Wait()
}
