package channel

import (
	"context"

	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

// SendStatus is the outcome class of one send call.
type SendStatus string

const (
	// StatusSuccess means the transport accepted the message.
	StatusSuccess SendStatus = "success"
	// StatusFailed is a permanent failure; redelivery cannot help.
	StatusFailed SendStatus = "failed"
	// StatusPending means the outcome is unknown (timeout, network error,
	// upstream 5xx) and the send should be retried.
	StatusPending SendStatus = "pending"
	// StatusRateLimited means the local window or the upstream refused the
	// send because of volume.
	StatusRateLimited SendStatus = "rate_limited"
)

func (s SendStatus) String() string { return string(s) }

// SendResult describes one send call.
type SendResult struct {
	Status       SendStatus
	MessageID    string
	ErrorMessage string
	StatusCode   int
	ResponseData map[string]any
}

// Retryable reports whether the queue should redeliver the message.
func (r SendResult) Retryable() bool {
	return r.Status == StatusPending || r.Status == StatusRateLimited
}

// Channel is a delivery backend.
type Channel interface {
	Send(ctx context.Context, content, recipient string) SendResult
	ValidateRecipient(recipient string) bool
	RateLimit(ctx context.Context) (ratelimit.State, error)
	Name() string
	// IsAvailable is a local check of the channel's credentials. It never
	// touches the network.
	IsAvailable() bool
}
