package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrConfiguration is returned when a channel's required settings are
	// missing or invalid.
	ErrConfiguration = errors.New("channel configuration error")
	// ErrNotRegistered is returned for channel types the registry does not know.
	ErrNotRegistered = errors.New("channel not registered")
)

// SendError is a failed channel call. Transient failures are left for
// redelivery; the rest resolve the message as failed.
type SendError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("send error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": " + msg)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a send failure is worth another delivery:
// deadline overruns, network timeouts and SendErrors marked transient.
func IsTransient(err error) bool {
	var sendErr *SendError
	var netErr net.Error
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &sendErr):
		return sendErr.Transient
	case errors.As(err, &netErr):
		return netErr.Timeout()
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// resultFromError maps a transport failure to a send status. Canceled calls
// are reported as pending so the queue redelivers them.
func resultFromError(err error) SendResult {
	result := SendResult{Status: StatusFailed, ErrorMessage: err.Error()}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		result.StatusCode = sendErr.StatusCode
		if sendErr.StatusCode == http.StatusTooManyRequests {
			result.Status = StatusRateLimited
			return result
		}
	}

	if IsTransient(err) || errors.Is(err, context.Canceled) {
		result.Status = StatusPending
	}
	return result
}

func statusErrorMessage(source string, statusCode int, body string) string {
	base := fmt.Sprintf("%s returned status %d", source, statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
