package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 5 * time.Second
	defaultSchedulerGrace        = time.Minute
	defaultSchedulerScanLimit    = 500
)

// Scheduler periodically enqueues pending messages that were never
// enqueued: delayed sends that are now due, and messages stored by a planner
// that stopped before enqueueing them.
type Scheduler struct {
	messages   repository.MessageRepository
	dispatcher *Dispatcher
	logger     *zap.Logger
	interval   time.Duration
	grace      time.Duration
	limit      int
	now        func() time.Time
}

func NewScheduler(
	messages repository.MessageRepository,
	dispatcher *Dispatcher,
	interval time.Duration,
	grace time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if grace <= 0 {
		grace = defaultSchedulerGrace
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		messages:   messages,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		grace:      grace,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	due, err := s.messages.GetDueForDispatch(ctx, s.now().UTC(), s.grace, s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due messages: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	for _, group := range groupByBatch(due) {
		outcome := s.dispatcher.Dispatch(ctx, group)
		fields := []zap.Field{
			zap.String("batch_id", group[0].BatchID),
			zap.String("strategy", outcome.Strategy),
			zap.Int("enqueued", outcome.Enqueued),
			zap.Int("failed", outcome.Failed),
		}
		if outcome.Failed > 0 {
			s.logger.Warn("scheduled dispatch partially failed", fields...)
			continue
		}
		s.logger.Info("scheduled dispatch enqueued", fields...)
	}
	return nil
}

// groupByBatch splits messages into per-batch groups, keeping first-seen
// order.
func groupByBatch(messages []domain.Message) [][]*domain.Message {
	index := make(map[string]int)
	var groups [][]*domain.Message
	for i := range messages {
		m := &messages[i]
		pos, ok := index[m.BatchID]
		if !ok {
			pos = len(groups)
			index[m.BatchID] = pos
			groups = append(groups, nil)
		}
		groups[pos] = append(groups[pos], m)
	}
	return groups
}
