package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollWait     = 20 * time.Second
	defaultDrainTimeout = 30 * time.Second
	idlePollDelay       = 200 * time.Millisecond
	baseErrorBackoff    = time.Second
	maxErrorBackoff     = 30 * time.Second
)

// DeliveryHandler processes one dequeued entry. Returning true acks it.
type DeliveryHandler interface {
	Handle(ctx context.Context, queueName string, d queue.Delivery) bool
}

type WorkerConfig struct {
	Queues      []string
	MaxMessages int
	PollWait    time.Duration
	// DrainTimeout bounds how long an entry already being handled may keep
	// running after shutdown starts.
	DrainTimeout time.Duration
}

// WorkerService runs one polling loop per queue. An entry is acked only when
// its handler reports success; anything else is left to the queue's
// redelivery and dead-letter policy.
type WorkerService struct {
	queue        queue.Client
	handler      DeliveryHandler
	cfg          WorkerConfig
	logger       *zap.Logger
	metrics      *observability.Metrics
	errorBackoff time.Duration
}

func NewWorkerService(
	client queue.Client,
	handler DeliveryHandler,
	cfg WorkerConfig,
	logger *zap.Logger,
) (*WorkerService, error) {
	if client == nil || handler == nil {
		return nil, fmt.Errorf("queue client and handler are required")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("no work queues configured")
	}
	cfg.MaxMessages = min(max(cfg.MaxMessages, 1), 10)
	if cfg.PollWait < 0 {
		cfg.PollWait = defaultPollWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		queue:        client,
		handler:      handler,
		cfg:          cfg,
		logger:       logger,
		errorBackoff: baseErrorBackoff,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start polls every configured queue until ctx is cancelled, then waits for
// the loops to settle.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, queueName := range s.cfg.Queues {
		g.Go(func() error {
			s.logger.Info("consumer started", zap.String("queue", queueName))
			s.poll(groupCtx, queueName)
			s.logger.Info("consumer stopped", zap.String("queue", queueName))
			return nil
		})
	}

	return g.Wait()
}

func (s *WorkerService) poll(ctx context.Context, queueName string) {
	backoff := s.errorBackoff
	for ctx.Err() == nil {
		deliveries, err := s.queue.Dequeue(ctx, queueName, s.cfg.MaxMessages, s.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dequeue failed",
				zap.String("queue", queueName),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxErrorBackoff)
			continue
		}
		backoff = s.errorBackoff

		if len(deliveries) == 0 && s.cfg.PollWait == 0 {
			if !sleepContext(ctx, idlePollDelay) {
				return
			}
			continue
		}

		for _, d := range deliveries {
			// Entries not started before shutdown return to the queue.
			if ctx.Err() != nil {
				return
			}
			s.process(ctx, queueName, d)
		}
	}
}

// process handles one entry under a context that survives shutdown for at
// most the drain timeout.
func (s *WorkerService) process(ctx context.Context, queueName string, d queue.Delivery) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-procCtx.Done():
		}
	})
	defer stop()

	s.metrics.IncWorkerInFlight(queueName)
	defer s.metrics.DecWorkerInFlight(queueName)

	if !s.safeHandle(procCtx, queueName, d) {
		s.logger.Debug("entry not acked, left for redelivery",
			zap.String("queue", queueName),
			zap.String("entry_id", d.ID),
			zap.String("receive_count", d.Attributes[queue.AttrReceiveCount]),
		)
		return
	}

	if err := s.queue.Ack(procCtx, queueName, d.Receipt); err != nil {
		s.logger.Warn("failed to ack entry",
			zap.String("queue", queueName),
			zap.String("entry_id", d.ID),
			zap.Error(err),
		)
	}
}

func (s *WorkerService) safeHandle(ctx context.Context, queueName string, d queue.Delivery) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("queue", queueName),
				zap.String("entry_id", d.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			ok = false
		}
	}()
	return s.handler.Handle(ctx, queueName, d)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
