package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultBatchThreshold = 5

	StrategySingle = "single"
	StrategyBatch  = "batch"

	reasonEnqueueFailed = "enqueue failed"
)

type DispatchConfig struct {
	SendQueue  string
	BatchQueue string
	// Threshold is the largest group enqueued as one entry per recipient.
	// Larger groups travel as a single batch envelope.
	Threshold int
}

// DispatchOutcome summarizes the enqueue of one group of messages.
type DispatchOutcome struct {
	Strategy string
	TaskIDs  []string
	Enqueued int
	Failed   int
}

// Dispatcher turns stored pending messages into queue entries. Messages whose
// entry could not be enqueued are failed so their batch still converges.
type Dispatcher struct {
	queue    queue.Client
	messages repository.MessageRepository
	cfg      DispatchConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewDispatcher(
	client queue.Client,
	messages repository.MessageRepository,
	cfg DispatchConfig,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SendQueue == "" {
		cfg.SendQueue = queue.DefaultSendQueue
	}
	if cfg.BatchQueue == "" {
		cfg.BatchQueue = queue.DefaultBatchQueue
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = defaultBatchThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		queue:    client,
		messages: messages,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Strategy returns how a group of n messages is enqueued.
func (d *Dispatcher) Strategy(n int) string {
	if n <= d.cfg.Threshold {
		return StrategySingle
	}
	return StrategyBatch
}

// Dispatch enqueues messages, which must all belong to the same batch.
func (d *Dispatcher) Dispatch(ctx context.Context, messages []*domain.Message) DispatchOutcome {
	outcome := DispatchOutcome{Strategy: d.Strategy(len(messages))}
	if len(messages) == 0 {
		return outcome
	}

	first := messages[0]
	var enqueued, failed []int64

	switch outcome.Strategy {
	case StrategySingle:
		for _, m := range messages {
			id, err := d.queue.Enqueue(ctx, d.cfg.SendQueue, queue.NewSendMessagePayload(m, m.CreatedAt))
			if err != nil {
				d.logger.Error("failed to enqueue message",
					zap.String("batch_id", m.BatchID),
					zap.Int64("message_id", m.ID),
					zap.String("queue", d.cfg.SendQueue),
					zap.Error(err),
				)
				d.metrics.IncEnqueueFailed(d.cfg.SendQueue)
				failed = append(failed, m.ID)
				continue
			}
			d.metrics.IncEnqueued(d.cfg.SendQueue)
			outcome.TaskIDs = append(outcome.TaskIDs, id)
			enqueued = append(enqueued, m.ID)
		}

	case StrategyBatch:
		ids := make([]int64, 0, len(messages))
		for _, m := range messages {
			ids = append(ids, m.ID)
		}

		payload := queue.NewBatchSendPayload(first.BatchID, first.Channel, first.Content, messages)
		id, err := d.queue.Enqueue(ctx, d.cfg.BatchQueue, payload)
		if err != nil {
			d.logger.Error("failed to enqueue batch envelope",
				zap.String("batch_id", first.BatchID),
				zap.Int("recipients", len(messages)),
				zap.String("queue", d.cfg.BatchQueue),
				zap.Error(err),
			)
			d.metrics.IncEnqueueFailed(d.cfg.BatchQueue)
			failed = ids
		} else {
			d.metrics.IncEnqueued(d.cfg.BatchQueue)
			outcome.TaskIDs = append(outcome.TaskIDs, id)
			enqueued = ids
		}
	}

	outcome.Enqueued = len(enqueued)
	outcome.Failed = len(failed)

	if len(enqueued) > 0 {
		if err := d.messages.MarkEnqueued(ctx, enqueued, d.now().UTC()); err != nil {
			d.logger.Warn("failed to record enqueue time",
				zap.String("batch_id", first.BatchID),
				zap.Int("messages", len(enqueued)),
				zap.Error(err),
			)
		}
	}

	if len(failed) > 0 {
		if _, err := d.messages.FailUnresolved(ctx, first.BatchID, failed, reasonEnqueueFailed); err != nil {
			// Still pending and never enqueued, so the scheduler sweep
			// dispatches them again.
			d.logger.Error("failed to mark unenqueued messages as failed",
				zap.String("batch_id", first.BatchID),
				zap.Int("messages", len(failed)),
				zap.Error(err),
			)
		} else {
			d.metrics.IncMessageFailed(first.Channel.String(), "enqueue_failed")
		}
	}

	return outcome
}
