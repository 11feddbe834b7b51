package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
)

// Dispatch statuses reported to the caller.
const (
	DispatchQueued         = "queued"
	DispatchScheduled      = "scheduled"
	DispatchPartialFailure = "partial_failure"
	DispatchFailed         = "failed"
)

type SendRequest struct {
	Content    string
	Channel    string
	Recipients []domain.Recipient
	BatchName  string
	// SendDelay postpones delivery by this many seconds.
	SendDelay int
}

type DispatchResult struct {
	Success    bool
	BatchID    string
	Status     string
	TotalCount int
	Message    string
	TaskIDs    []string
	Error      string
}

// SendService persists a send request and enqueues it for the workers.
type SendService struct {
	batches    repository.BatchRepository
	messages   repository.MessageRepository
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	newID      func() string
}

func NewSendService(
	batches repository.BatchRepository,
	messages repository.MessageRepository,
	dispatcher *Dispatcher,
	logger *zap.Logger,
) (*SendService, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SendService{
		batches:    batches,
		messages:   messages,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

func (s *SendService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Send validates the request, stores the batch with one message per
// recipient and enqueues it. Validation and persistence problems are
// returned as errors; enqueue problems are reported in the result.
func (s *SendService) Send(ctx context.Context, req SendRequest) (*DispatchResult, error) {
	channelType, recipients, err := validateSendRequest(&req)
	if err != nil {
		return nil, err
	}

	batchID := s.newID()
	name := req.BatchName
	if name == "" {
		name = domain.DefaultBatchName(channelType, strings.ReplaceAll(batchID, "-", "")[:8])
	}

	now := s.now().UTC()
	scheduledAt := now.Add(time.Duration(req.SendDelay) * time.Second)

	batch := domain.NewBatch(batchID, name, channelType, len(recipients))
	batch.CreatedAt = now
	batch.UpdatedAt = now

	messages := make([]*domain.Message, 0, len(recipients))
	for _, r := range recipients {
		m := domain.NewMessage(batchID, channelType, req.Content, r, scheduledAt)
		m.CreatedAt = now
		m.UpdatedAt = now
		messages = append(messages, m)
	}

	if err := s.batches.CreateWithMessages(ctx, batch, messages); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("batch_id", batchID),
		zap.String("channel", channelType.String()),
		zap.Int("total", len(messages)),
	)

	if req.SendDelay > 0 {
		s.metrics.IncBatchAccepted("scheduled")
		logger.Info("batch scheduled", zap.Time("scheduled_at", scheduledAt))
		return &DispatchResult{
			Success:    true,
			BatchID:    batchID,
			Status:     DispatchScheduled,
			TotalCount: len(messages),
			Message:    fmt.Sprintf("%d messages scheduled for %s", len(messages), scheduledAt.Format(time.RFC3339)),
		}, nil
	}

	outcome := s.dispatcher.Dispatch(ctx, messages)
	s.metrics.IncBatchAccepted(outcome.Strategy)

	result := &DispatchResult{
		BatchID:    batchID,
		TotalCount: len(messages),
		TaskIDs:    outcome.TaskIDs,
	}

	switch {
	case outcome.Failed == 0:
		result.Success = true
		result.Status = DispatchQueued
		result.Message = fmt.Sprintf("%d messages queued for delivery", len(messages))
		logger.Info("batch queued", zap.String("strategy", outcome.Strategy), zap.Int("entries", len(outcome.TaskIDs)))
	case outcome.Enqueued == 0:
		result.Status = DispatchFailed
		result.Error = "failed to enqueue messages"
		result.Message = fmt.Sprintf("none of %d messages could be queued", len(messages))
		logger.Error("batch could not be queued", zap.String("strategy", outcome.Strategy))
	default:
		result.Status = DispatchPartialFailure
		result.Error = "some messages could not be queued"
		result.Message = fmt.Sprintf("%d of %d messages queued, %d failed", outcome.Enqueued, len(messages), outcome.Failed)
		logger.Warn("batch queued with partial failure",
			zap.Int("enqueued", outcome.Enqueued),
			zap.Int("failed", outcome.Failed),
		)
	}

	return result, nil
}

func (s *SendService) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.batches.GetByBatchID(ctx, batchID)
}

// ListMessages returns one page of a batch's messages.
func (s *SendService) ListMessages(ctx context.Context, batchID string, params repository.ListParams) ([]domain.Message, int64, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	return s.messages.ListByBatchID(ctx, batch.BatchID, params)
}

func validateSendRequest(req *SendRequest) (domain.ChannelType, []domain.Recipient, error) {
	channelType, err := domain.ParseChannelType(req.Channel)
	if err != nil {
		return "", nil, err
	}

	req.Content = strings.TrimSpace(req.Content)
	switch n := utf8.RuneCountInString(req.Content); {
	case n == 0:
		return "", nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	case n > domain.MaxContentLength:
		return "", nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrValidation, domain.MaxContentLength)
	}

	req.BatchName = strings.TrimSpace(req.BatchName)
	if utf8.RuneCountInString(req.BatchName) > domain.MaxBatchNameLength {
		return "", nil, fmt.Errorf("%w: batch_name exceeds %d characters", domain.ErrValidation, domain.MaxBatchNameLength)
	}

	if req.SendDelay < 0 || req.SendDelay > domain.MaxSendDelay {
		return "", nil, fmt.Errorf("%w: send_delay must be between 0 and %d seconds", domain.ErrValidation, domain.MaxSendDelay)
	}

	switch n := len(req.Recipients); {
	case n == 0:
		return "", nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	case n > domain.MaxRecipients:
		return "", nil, fmt.Errorf("%w: at most %d recipients are allowed", domain.ErrValidation, domain.MaxRecipients)
	}

	recipients := make([]domain.Recipient, 0, len(req.Recipients))
	for i, r := range req.Recipients {
		r = r.Normalize()
		if err := r.Validate(); err != nil {
			return "", nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		recipients = append(recipients, r)
	}

	return channelType, recipients, nil
}
