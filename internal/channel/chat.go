package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

const (
	DefaultChatAPIURL      = "https://api.line.me/v2/bot/message/push"
	defaultChatTimeout     = 30 * time.Second
	minChatTokenLength     = 100
	maxChatRecipientLength = 64
	chatRecipientPrefix    = 'U'
)

type chatPushRequest struct {
	To       string            `json:"to"`
	Messages []chatTextMessage `json:"messages"`
}

type chatTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatPushResponse struct {
	SentMessages []struct {
		ID         string `json:"id"`
		QuoteToken string `json:"quoteToken"`
	} `json:"sentMessages"`
	Message string `json:"message"`
}

// ChatConfig configures the LINE push channel.
type ChatConfig struct {
	AccessToken string
	APIURL      string
	Timeout     time.Duration
}

// ChatChannel pushes text messages through the LINE Messaging API.
type ChatChannel struct {
	client   *resty.Client
	cfg      ChatConfig
	limiter  ratelimit.Limiter
	retryKey func() string
}

var _ Channel = (*ChatChannel)(nil)

func NewChatChannel(cfg ChatConfig, limiter ratelimit.Limiter) (*ChatChannel, error) {
	return NewChatChannelWithClient(cfg, limiter, resty.New())
}

func NewChatChannelWithClient(cfg ChatConfig, limiter ratelimit.Limiter, client *resty.Client) (*ChatChannel, error) {
	cfg.AccessToken = strings.TrimSpace(cfg.AccessToken)
	cfg.APIURL = strings.TrimSpace(cfg.APIURL)
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultChatAPIURL
	}
	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("%w: invalid chat api url: %v", ErrConfiguration, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultChatTimeout
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter is required", ErrConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: resty client is required", ErrConfiguration)
	}

	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)

	return &ChatChannel{
		client:   client,
		cfg:      cfg,
		limiter:  limiter,
		retryKey: func() string { return uuid.NewString() },
	}, nil
}

func (c *ChatChannel) Name() string { return "chat" }

// IsAvailable checks that an access token of plausible shape is configured.
func (c *ChatChannel) IsAvailable() bool {
	token := c.cfg.AccessToken
	return len(token) >= minChatTokenLength && !strings.ContainsAny(token, " \t\r\n")
}

// ValidateRecipient accepts LINE user ids: a leading 'U' followed by ASCII
// letters and digits.
func (c *ChatChannel) ValidateRecipient(recipient string) bool {
	if len(recipient) < 2 || len(recipient) > maxChatRecipientLength {
		return false
	}
	if recipient[0] != chatRecipientPrefix {
		return false
	}
	for i := 1; i < len(recipient); i++ {
		if !isASCIIAlnum(recipient[i]) {
			return false
		}
	}
	return true
}

func (c *ChatChannel) RateLimit(ctx context.Context) (ratelimit.State, error) {
	return c.limiter.State(ctx)
}

func (c *ChatChannel) Send(ctx context.Context, content, recipient string) SendResult {
	return guardedSend(ctx, c.limiter, c.ValidateRecipient, recipient, func(ctx context.Context) SendResult {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.push(ctx, content, recipient)
	})
}

func (c *ChatChannel) push(ctx context.Context, content, recipient string) SendResult {
	var body chatPushResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Line-Retry-Key", c.retryKey()).
		SetBody(chatPushRequest{
			To:       recipient,
			Messages: []chatTextMessage{{Type: "text", Text: content}},
		}).
		SetResult(&body).
		SetError(&body).
		Post(c.cfg.APIURL)
	if err != nil {
		return resultFromError(&SendError{
			Message:   "chat push request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		})
	}

	statusCode := response.StatusCode()
	requestID := strings.TrimSpace(response.Header().Get("X-Line-Request-Id"))

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID := requestID
		if len(body.SentMessages) > 0 && body.SentMessages[0].ID != "" {
			messageID = body.SentMessages[0].ID
		}
		return SendResult{
			Status:     StatusSuccess,
			MessageID:  messageID,
			StatusCode: statusCode,
			ResponseData: map[string]any{
				"request_id":    requestID,
				"sent_messages": len(body.SentMessages),
			},
		}
	}

	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = strings.TrimSpace(response.String())
	}
	result := resultFromError(&SendError{
		StatusCode: statusCode,
		Message:    statusErrorMessage("chat api", statusCode, message),
		Transient:  isTransientHTTPStatus(statusCode),
	})
	result.ResponseData = map[string]any{"request_id": requestID}
	return result
}

func isASCIIAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
