package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

const defaultWebhookTimeout = 10 * time.Second

var phoneNumberPattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

type webhookRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// WebhookConfig configures an SMS or email relay endpoint.
type WebhookConfig struct {
	Channel  domain.ChannelType
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// WebhookChannel hands SMS and email messages to an HTTP relay that owns the
// carrier or mail provider integration.
type WebhookChannel struct {
	client  *resty.Client
	cfg     WebhookConfig
	limiter ratelimit.Limiter
}

var _ Channel = (*WebhookChannel)(nil)

func NewWebhookChannel(cfg WebhookConfig, limiter ratelimit.Limiter) (*WebhookChannel, error) {
	return NewWebhookChannelWithClient(cfg, limiter, resty.New())
}

func NewWebhookChannelWithClient(cfg WebhookConfig, limiter ratelimit.Limiter, client *resty.Client) (*WebhookChannel, error) {
	if cfg.Channel != domain.ChannelSMS && cfg.Channel != domain.ChannelEmail {
		return nil, fmt.Errorf("%w: webhook relay does not serve channel %q", ErrConfiguration, cfg.Channel)
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: webhook endpoint is required", ErrConfiguration)
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook endpoint: %v", ErrConfiguration, err)
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter is required", ErrConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: resty client is required", ErrConfiguration)
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetRetryCount(0)

	return &WebhookChannel{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

func (w *WebhookChannel) Name() string { return w.cfg.Channel.String() }

func (w *WebhookChannel) IsAvailable() bool {
	return w.cfg.APIKey != "" && w.cfg.Endpoint != ""
}

func (w *WebhookChannel) ValidateRecipient(recipient string) bool {
	switch w.cfg.Channel {
	case domain.ChannelSMS:
		return phoneNumberPattern.MatchString(recipient)
	case domain.ChannelEmail:
		addr, err := mail.ParseAddress(recipient)
		return err == nil && addr.Address == recipient
	}
	return false
}

func (w *WebhookChannel) RateLimit(ctx context.Context) (ratelimit.State, error) {
	return w.limiter.State(ctx)
}

func (w *WebhookChannel) Send(ctx context.Context, content, recipient string) SendResult {
	return guardedSend(ctx, w.limiter, w.ValidateRecipient, recipient, func(ctx context.Context) SendResult {
		ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
		return w.post(ctx, content, recipient)
	})
}

func (w *WebhookChannel) post(ctx context.Context, content, recipient string) SendResult {
	response, err := w.client.R().
		SetContext(ctx).
		SetAuthToken(w.cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			To:      recipient,
			Channel: w.cfg.Channel.String(),
			Content: content,
		}).
		Post(w.cfg.Endpoint)
	if err != nil {
		return resultFromError(&SendError{
			Message:   "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		})
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return SendResult{
			Status:       StatusSuccess,
			MessageID:    relayMessageID(response),
			StatusCode:   statusCode,
			ResponseData: map[string]any{"body": responseBody},
		}
	}

	return resultFromError(&SendError{
		StatusCode: statusCode,
		Message:    statusErrorMessage("webhook", statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	})
}

func relayMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
