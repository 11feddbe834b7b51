package service

import (
	"context"

	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

const reasonDeliveryExhausted = "delivery attempts exhausted"

// DeadLetterHandler fails the messages of entries the queue gave up on, so
// their batches converge. It runs on the dead-letter queues through a
// WorkerService.
type DeadLetterHandler struct {
	messages repository.MessageRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewDeadLetterHandler(messages repository.MessageRepository, logger *zap.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterHandler{messages: messages, logger: logger}
}

func (h *DeadLetterHandler) SetMetrics(metrics *observability.Metrics) {
	if h == nil {
		return
	}
	h.metrics = metrics
}

func (h *DeadLetterHandler) Handle(ctx context.Context, queueName string, d queue.Delivery) bool {
	var (
		batchID string
		ids     []int64
	)

	typ, err := queue.PeekType(d.Body)
	if err == nil {
		switch typ {
		case queue.PayloadSendMessage:
			var p queue.SendMessagePayload
			if p, err = queue.DecodeSendMessage(d.Body); err == nil {
				batchID, ids = p.BatchID, []int64{p.MessageID}
			}
		case queue.PayloadBatchSend:
			var p queue.BatchSendPayload
			if p, err = queue.DecodeBatchSend(d.Body); err == nil {
				batchID = p.BatchID
				for _, r := range p.Recipients {
					ids = append(ids, r.MessageID)
				}
			}
		}
	}
	if err != nil {
		h.logger.Error("dropping malformed dead-letter entry",
			zap.String("queue", queueName),
			zap.String("entry_id", d.ID),
			zap.Error(err),
		)
		return true
	}

	failed, err := h.messages.FailUnresolved(ctx, batchID, ids, reasonDeliveryExhausted)
	if err != nil {
		h.logger.Error("failed to reconcile dead-lettered messages",
			zap.String("queue", queueName),
			zap.String("batch_id", batchID),
			zap.Int("messages", len(ids)),
			zap.Error(err),
		)
		return false
	}

	h.metrics.AddDeadLettered(queueName, failed)
	h.logger.Warn("dead-lettered entry reconciled",
		zap.String("queue", queueName),
		zap.String("batch_id", batchID),
		zap.String("receive_count", d.Attributes[queue.AttrReceiveCount]),
		zap.Int("messages", len(ids)),
		zap.Int("failed", failed),
	)
	return true
}
