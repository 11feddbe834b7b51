package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/channel"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
	"github.com/kursadbilgin/message-dispatch/internal/queue"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultSendTimeout    = 30 * time.Second
	defaultEnvelopeBudget = 2 * time.Minute
)

// ChannelResolver looks up the configured channel for a type.
type ChannelResolver interface {
	Channel(channelType domain.ChannelType) (channel.Channel, error)
}

type MessageHandlerConfig struct {
	// SendQueue receives retryable recipients split out of batch envelopes.
	SendQueue   string
	SendTimeout time.Duration
	// SimulateUnconfigured routes unregistered or misconfigured channel
	// types to a simulated channel instead of leaving them undelivered.
	SimulateUnconfigured    bool
	SimulatedSuccessPercent int
	// BatchSendPerSecond paces sends inside one batch envelope; zero
	// disables pacing.
	BatchSendPerSecond float64
	// ClaimLease is how long a send attempt holds a message against
	// concurrent attempts. Defaults to twice SendTimeout.
	ClaimLease time.Duration
	// EnvelopeBudget bounds the time spent on one envelope. Recipients left
	// when it runs out are enqueued as a new envelope.
	EnvelopeBudget time.Duration
}

// MessageHandler delivers the payload of one queue entry and reports whether
// the entry may be acked.
type MessageHandler struct {
	channels ChannelResolver
	messages repository.MessageRepository
	attempts repository.AttemptRepository
	queue    queue.Client
	cfg      MessageHandlerConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	newSimulated func(domain.ChannelType) channel.Channel
	simMu        sync.Mutex
	simulated    map[domain.ChannelType]channel.Channel
}

func NewMessageHandler(
	channels ChannelResolver,
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	client queue.Client,
	cfg MessageHandlerConfig,
	logger *zap.Logger,
) *MessageHandler {
	if cfg.SendQueue == "" {
		cfg.SendQueue = queue.DefaultSendQueue
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * cfg.SendTimeout
	}
	if cfg.EnvelopeBudget <= 0 {
		cfg.EnvelopeBudget = defaultEnvelopeBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &MessageHandler{
		channels:  channels,
		messages:  messages,
		attempts:  attempts,
		queue:     client,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		simulated: make(map[domain.ChannelType]channel.Channel),
	}
	h.newSimulated = func(t domain.ChannelType) channel.Channel {
		return channel.NewSimulatedChannel(t, cfg.SimulatedSuccessPercent, ratelimit.NewWindow(1<<31-1, time.Hour))
	}
	return h
}

func (h *MessageHandler) SetMetrics(metrics *observability.Metrics) {
	if h == nil {
		return
	}
	h.metrics = metrics
}

// Handle processes one entry from queueName. It returns true when the entry
// is fully handled and must be acked, false to leave it for redelivery.
func (h *MessageHandler) Handle(ctx context.Context, queueName string, d queue.Delivery) bool {
	typ, err := queue.PeekType(d.Body)
	if err != nil {
		// Redelivery cannot repair a malformed body.
		h.logger.Error("dropping malformed queue entry",
			zap.String("queue", queueName),
			zap.String("entry_id", d.ID),
			zap.Error(err),
		)
		h.metrics.IncMessageFailed("unknown", "invalid_payload")
		return true
	}

	switch typ {
	case queue.PayloadSendMessage:
		p, err := queue.DecodeSendMessage(d.Body)
		if err != nil {
			h.logger.Error("dropping invalid send_message entry", zap.String("queue", queueName), zap.Error(err))
			h.metrics.IncMessageFailed("unknown", "invalid_payload")
			return true
		}
		return h.handleSingle(ctx, queueName, p)
	case queue.PayloadBatchSend:
		p, err := queue.DecodeBatchSend(d.Body)
		if err != nil {
			h.logger.Error("dropping invalid batch_send entry", zap.String("queue", queueName), zap.Error(err))
			h.metrics.IncMessageFailed("unknown", "invalid_payload")
			return true
		}
		return h.handleBatch(ctx, queueName, d, p)
	}
	return true
}

func (h *MessageHandler) handleSingle(ctx context.Context, queueName string, p queue.SendMessagePayload) bool {
	logger := h.logger.With(observability.DeliveryFields(queueName, p.BatchID, p.MessageID, p.Channel.String())...)

	ch, err := h.resolveChannel(p.Channel)
	if err != nil {
		logger.Error("channel not usable", zap.Error(err))
		return false
	}
	if !ch.IsAvailable() {
		logger.Warn("channel unavailable, leaving entry for redelivery", zap.String("channel_name", ch.Name()))
		return false
	}

	msg, err := h.messages.MarkSending(ctx, p.MessageID, h.cfg.ClaimLease)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("message not found, dropping entry")
			return true
		case errors.Is(err, domain.ErrClaimed):
			logger.Info("message held by another attempt, leaving entry for redelivery", zap.Error(err))
		default:
			logger.Error("failed to claim message", zap.Error(err))
		}
		return false
	}
	if msg == nil {
		logger.Debug("message already resolved, acking redelivery")
		return true
	}

	result := h.send(ctx, ch, msg, logger)
	if result.Retryable() {
		h.metrics.IncSendRetryable(p.Channel.String(), result.Status.String())
		logger.Info("send not completed, leaving entry for redelivery",
			zap.String("status", result.Status.String()),
			zap.String("error", result.ErrorMessage),
		)
		h.release(ctx, msg, logger)
		return false
	}
	return h.resolve(ctx, msg, result, logger)
}

func (h *MessageHandler) handleBatch(ctx context.Context, queueName string, d queue.Delivery, p queue.BatchSendPayload) bool {
	logger := h.logger.With(observability.DeliveryFields(queueName, p.BatchID, 0, p.Channel.String())...)

	ch, err := h.resolveChannel(p.Channel)
	if err != nil {
		logger.Error("channel not usable", zap.Error(err))
		return false
	}
	if !ch.IsAvailable() {
		logger.Warn("channel unavailable, leaving envelope for redelivery", zap.String("channel_name", ch.Name()))
		return false
	}

	ids := make([]int64, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		ids = append(ids, r.MessageID)
	}
	statuses, err := h.messages.GetStatuses(ctx, ids)
	if err != nil {
		logger.Error("failed to load envelope message statuses", zap.Error(err))
		return false
	}

	var pacer *rate.Limiter
	if h.cfg.BatchSendPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(h.cfg.BatchSendPerSecond), 1)
	}

	start := h.now()
	var sent, failed, requeued, skipped, split int
	complete := true
	for i, r := range p.Recipients {
		if status, ok := statuses[r.MessageID]; !ok || status.IsTerminal() {
			skipped++
			continue
		}
		if ctx.Err() != nil {
			complete = false
			break
		}
		if h.now().Sub(start) >= h.cfg.EnvelopeBudget {
			if !h.splitEnvelope(ctx, queueName, p, p.Recipients[i:], logger) {
				complete = false
				break
			}
			split = len(p.Recipients) - i
			break
		}
		// Keeps the entry invisible while this recipient is sent. Once the
		// entry is lost another worker owns the rest of the envelope.
		if err := h.queue.Extend(ctx, queueName, d.Receipt); err != nil {
			logger.Warn("lost envelope entry, stopping", zap.Int("remaining", len(p.Recipients)-i), zap.Error(err))
			complete = false
			break
		}
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				complete = false
				break
			}
		}

		msgLogger := logger.With(zap.Int64("message_id", r.MessageID))
		msg, err := h.messages.MarkSending(ctx, r.MessageID, h.cfg.ClaimLease)
		if err != nil {
			if errors.Is(err, domain.ErrClaimed) {
				msgLogger.Info("message held by another attempt", zap.Error(err))
			} else {
				msgLogger.Error("failed to claim message", zap.Error(err))
			}
			complete = false
			continue
		}
		if msg == nil {
			skipped++
			continue
		}

		result := h.send(ctx, ch, msg, msgLogger)
		if !result.Retryable() {
			if !h.resolve(ctx, msg, result, msgLogger) {
				complete = false
			}
			if result.Status == channel.StatusSuccess {
				sent++
			} else {
				failed++
			}
			continue
		}

		h.metrics.IncSendRetryable(p.Channel.String(), result.Status.String())
		h.release(ctx, msg, msgLogger)
		if _, err := h.queue.Enqueue(ctx, h.cfg.SendQueue, queue.NewSendMessagePayload(msg, msg.CreatedAt)); err != nil {
			msgLogger.Error("failed to requeue retryable recipient", zap.Error(err))
			h.metrics.IncEnqueueFailed(h.cfg.SendQueue)
			complete = false
			continue
		}
		h.metrics.IncEnqueued(h.cfg.SendQueue)
		requeued++
	}

	logger.Info("batch envelope processed",
		zap.Int("recipients", len(p.Recipients)),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("requeued", requeued),
		zap.Int("skipped", skipped),
		zap.Int("split", split),
		zap.Bool("complete", complete),
	)
	return complete
}

// splitEnvelope enqueues rest as a new envelope on queueName.
func (h *MessageHandler) splitEnvelope(ctx context.Context, queueName string, p queue.BatchSendPayload, rest []queue.RecipientRef, logger *zap.Logger) bool {
	next := p
	next.Recipients = append([]queue.RecipientRef(nil), rest...)
	next.TotalCount = len(next.Recipients)

	if _, err := h.queue.Enqueue(ctx, queueName, next); err != nil {
		logger.Error("failed to enqueue envelope remainder", zap.Int("remaining", len(rest)), zap.Error(err))
		h.metrics.IncEnqueueFailed(queueName)
		return false
	}
	h.metrics.IncEnqueued(queueName)
	logger.Info("envelope budget spent, remainder enqueued",
		zap.Int("remaining", len(rest)),
		zap.Duration("budget", h.cfg.EnvelopeBudget),
	)
	return true
}

// release lets a redelivery claim msg without waiting out the lease.
func (h *MessageHandler) release(ctx context.Context, msg *domain.Message, logger *zap.Logger) {
	if err := h.messages.ReleaseClaim(ctx, msg.ID); err != nil {
		logger.Warn("failed to release message claim", zap.Error(err))
	}
}

// send performs one bounded channel call and records it.
func (h *MessageHandler) send(ctx context.Context, ch channel.Channel, msg *domain.Message, logger *zap.Logger) channel.SendResult {
	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()

	start := h.now()
	result := ch.Send(sendCtx, msg.Content, msg.RecipientID)
	h.metrics.ObserveSendDuration(msg.Channel.String(), h.now().Sub(start))

	if channel.IsSimulated(ch) {
		h.metrics.IncSimulatedSend(msg.Channel.String())
		logger.Info("simulated delivery, nothing was sent",
			zap.String("channel_name", ch.Name()),
			zap.String("status", result.Status.String()),
		)
	}

	h.recordAttempt(ctx, ch, msg.ID, result, logger)
	return result
}

// resolve stores a terminal send result. It reports whether the outcome is
// durably recorded.
func (h *MessageHandler) resolve(ctx context.Context, msg *domain.Message, result channel.SendResult, logger *zap.Logger) bool {
	outcome := domain.MessageStatusFailed
	if result.Status == channel.StatusSuccess {
		outcome = domain.MessageStatusSuccess
	}

	batch, err := h.messages.Resolve(ctx, msg.ID, outcome, result.ErrorMessage, h.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info("message resolved concurrently", zap.Error(err))
			return true
		}
		logger.Error("failed to record send outcome", zap.String("outcome", outcome.String()), zap.Error(err))
		return false
	}

	if outcome == domain.MessageStatusSuccess {
		h.metrics.IncMessageSent(msg.Channel.String())
	} else {
		h.metrics.IncMessageFailed(msg.Channel.String(), failureReason(result))
		logger.Warn("message failed permanently", zap.String("error", result.ErrorMessage))
	}

	if batch != nil && batch.Status.IsTerminal() {
		logger.Info("batch finished",
			zap.String("status", batch.Status.String()),
			zap.Int("success", batch.SuccessCount),
			zap.Int("failed", batch.FailedCount),
		)
	}
	return true
}

func (h *MessageHandler) resolveChannel(channelType domain.ChannelType) (channel.Channel, error) {
	ch, err := h.channels.Channel(channelType)
	if err == nil {
		return ch, nil
	}
	if !h.cfg.SimulateUnconfigured ||
		!(errors.Is(err, channel.ErrNotRegistered) || errors.Is(err, channel.ErrConfiguration)) {
		return nil, err
	}

	h.simMu.Lock()
	defer h.simMu.Unlock()

	if sim, ok := h.simulated[channelType]; ok {
		return sim, nil
	}
	h.logger.Warn("channel not configured, using simulated delivery",
		zap.String("channel", channelType.String()),
		zap.Error(err),
	)
	sim := h.newSimulated(channelType)
	h.simulated[channelType] = sim
	return sim, nil
}

// recordAttempt is best effort; a lost audit row never changes the outcome.
func (h *MessageHandler) recordAttempt(ctx context.Context, ch channel.Channel, messageID int64, result channel.SendResult, logger *zap.Logger) {
	if h.attempts == nil {
		return
	}

	attempt := &domain.DeliveryAttempt{
		MessageID: messageID,
		Channel:   ch.Name(),
		Status:    result.Status.String(),
		CreatedAt: h.now().UTC(),
	}
	if result.MessageID != "" {
		attempt.ProviderMessageID = &result.MessageID
	}
	if result.ErrorMessage != "" {
		attempt.ErrorMessage = &result.ErrorMessage
	}
	if len(result.ResponseData) > 0 {
		if raw, err := json.Marshal(result.ResponseData); err == nil {
			data := string(raw)
			attempt.ResponseData = &data
		}
	}

	if err := h.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt", zap.Error(err))
	}
}

func failureReason(result channel.SendResult) string {
	if result.StatusCode > 0 {
		return "upstream_rejected"
	}
	return "invalid_recipient"
}
