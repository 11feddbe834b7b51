package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/message-dispatch/internal/channel"
	"github.com/kursadbilgin/message-dispatch/internal/config"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/handler"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/message-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/message-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"github.com/kursadbilgin/message-dispatch/internal/service"
	"github.com/kursadbilgin/message-dispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger("worker", cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
	logger.Info("worker stopped")
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

	topology := queue.Topology{
		WorkQueues:      []string{cfg.SendQueue, cfg.BatchQueue},
		MaxReceiveCount: cfg.MaxReceiveCount,
	}
	broker, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, topology)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	queueClient := queue.NewRabbitMQClient(broker, cfg.VisibilityTimeout(), logger)
	defer func() { err = multierr.Append(err, queueClient.Close()) }()

	metrics := observability.NewMetrics()

	registry, err := newRegistry(cfg, rdb, logger)
	if err != nil {
		return err
	}

	messages := repository.NewGormMessageRepo(db)
	attempts := repository.NewGormAttemptRepo(db)

	dispatcher := service.NewDispatcher(queueClient, messages, service.DispatchConfig{
		SendQueue:  cfg.SendQueue,
		BatchQueue: cfg.BatchQueue,
		Threshold:  cfg.BatchThreshold,
	}, logger)
	dispatcher.SetMetrics(metrics)

	messageHandler := service.NewMessageHandler(registry, messages, attempts, queueClient, service.MessageHandlerConfig{
		SendQueue:               cfg.SendQueue,
		SendTimeout:             cfg.ChannelSendTimeout(),
		SimulateUnconfigured:    cfg.SimulateUnconfiguredChannels,
		SimulatedSuccessPercent: cfg.SimulatedSuccessPercent,
		BatchSendPerSecond:      float64(cfg.BatchSendPerSecond),
		ClaimLease:              cfg.VisibilityTimeout(),
		EnvelopeBudget:          cfg.VisibilityTimeout() / 2,
	}, logger)
	messageHandler.SetMetrics(metrics)

	consumers, err := service.NewWorkerService(queueClient, messageHandler, service.WorkerConfig{
		Queues:       topology.WorkQueues,
		MaxMessages:  cfg.MaxMessagesPerPoll,
		PollWait:     cfg.PollWait(),
		DrainTimeout: cfg.ChannelSendTimeout(),
	}, logger)
	if err != nil {
		return err
	}
	consumers.SetMetrics(metrics)

	deadLetterHandler := service.NewDeadLetterHandler(messages, logger)
	deadLetterHandler.SetMetrics(metrics)

	deadLetters, err := service.NewWorkerService(queueClient, deadLetterHandler, service.WorkerConfig{
		Queues:       topology.DLQNames(),
		MaxMessages:  cfg.MaxMessagesPerPoll,
		PollWait:     cfg.PollWait(),
		DrainTimeout: cfg.ChannelSendTimeout(),
	}, logger)
	if err != nil {
		return err
	}
	deadLetters.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(messages, dispatcher, cfg.SchedulerInterval(), cfg.SchedulerGrace(), cfg.SchedulerScanLimit, logger)
	if err != nil {
		return err
	}

	ops := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	ops.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(ops,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.QueueCheck(broker.Healthy),
	)
	handler.RegisterOpsRoutes(ops, registry, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumers.Start(gctx) })
	g.Go(func() error { return deadLetters.Start(gctx) })
	g.Go(func() error { return scheduler.Start(gctx) })
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WorkerOpsPort)
		logger.Info("worker ops listening", zap.String("addr", addr))
		if err := ops.Listen(addr); err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return ops.ShutdownWithTimeout(cfg.ShutdownTimeout())
	})

	logger.Info("worker started",
		zap.Strings("queues", topology.WorkQueues),
		zap.Strings("dead_letter_queues", topology.DLQNames()),
		zap.String("rate_limit_backend", cfg.RateLimitBackend),
	)
	return g.Wait()
}

// newRegistry registers every built-in channel with the settings found in
// the environment. Types with incomplete settings stay registered and report
// a configuration error on lookup.
func newRegistry(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (*channel.Registry, error) {
	factory := ratelimit.Factory(ratelimit.LocalFactory)
	if cfg.RateLimitBackend == config.RateLimitBackendRedis {
		factory = infraredis.LimiterFactory(rdb)
	}
	registry := channel.NewRegistry(factory)

	chatMax, chatWindow := cfg.ChannelRateLimit(domain.ChannelChat.String())
	registrations := []channel.Registration{
		channel.ChatRegistration(chatMax, chatWindow, cfg.ChannelSendTimeout()),
	}
	for _, t := range []domain.ChannelType{domain.ChannelSMS, domain.ChannelEmail} {
		maxRequests, window := cfg.ChannelRateLimit(t.String())
		registrations = append(registrations, channel.WebhookRegistration(t, maxRequests, window, cfg.ChannelSendTimeout()))
	}

	for _, reg := range registrations {
		if err := registry.Register(reg, cfg.ChannelSettings(reg.Type.String())); err != nil {
			return nil, fmt.Errorf("register %s channel: %w", reg.Type, err)
		}
	}

	for _, st := range registry.Status(context.Background()) {
		if st.Error != "" {
			logger.Warn("channel not usable", zap.String("channel", st.Type.String()), zap.String("error", st.Error))
			continue
		}
		logger.Info("channel registered",
			zap.String("channel", st.Type.String()),
			zap.String("name", st.Name),
			zap.Bool("available", st.Available),
		)
	}
	return registry, nil
}
