package channel

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

// guardedSend runs the steps shared by every channel before its transport is
// called: window check, recipient validation and slot acquisition. A full
// window short-circuits without calling transport.
func guardedSend(
	ctx context.Context,
	limiter ratelimit.Limiter,
	validate func(string) bool,
	recipient string,
	transport func(context.Context) SendResult,
) SendResult {
	state, err := limiter.State(ctx)
	if err != nil {
		return SendResult{Status: StatusPending, ErrorMessage: fmt.Sprintf("rate limit unavailable: %v", err)}
	}
	if state.Exceeded() {
		return rateLimited(state)
	}

	if !validate(recipient) {
		return SendResult{Status: StatusFailed, ErrorMessage: fmt.Sprintf("invalid recipient %q", recipient)}
	}

	acquired, err := limiter.Acquire(ctx)
	if err != nil {
		return SendResult{Status: StatusPending, ErrorMessage: fmt.Sprintf("rate limit unavailable: %v", err)}
	}
	if !acquired {
		return rateLimited(state)
	}

	return transport(ctx)
}

func rateLimited(state ratelimit.State) SendResult {
	return SendResult{
		Status: StatusRateLimited,
		ErrorMessage: fmt.Sprintf("rate limit of %d per %s exceeded, resets at %s",
			state.MaxRequests, state.Window, state.ResetAt.UTC().Format("2006-01-02T15:04:05Z")),
	}
}
