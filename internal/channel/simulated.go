package channel

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

// SimulatedChannel is a non-production stand-in for channel types without a
// configured backend. Nothing leaves the process.
type SimulatedChannel struct {
	channel        domain.ChannelType
	successPercent int
	limiter        ratelimit.Limiter
	intn           func(n int) int
}

var _ Channel = (*SimulatedChannel)(nil)

func NewSimulatedChannel(channel domain.ChannelType, successPercent int, limiter ratelimit.Limiter) *SimulatedChannel {
	return newSimulatedChannel(channel, successPercent, limiter, rand.IntN)
}

func newSimulatedChannel(channel domain.ChannelType, successPercent int, limiter ratelimit.Limiter, intn func(int) int) *SimulatedChannel {
	successPercent = min(max(successPercent, 0), 100)
	if limiter == nil {
		limiter = ratelimit.NewWindow(1<<31-1, 0)
	}
	if intn == nil {
		intn = rand.IntN
	}
	return &SimulatedChannel{
		channel:        channel,
		successPercent: successPercent,
		limiter:        limiter,
		intn:           intn,
	}
}

// IsSimulated reports whether ch is the simulated stand-in.
func IsSimulated(ch Channel) bool {
	_, ok := ch.(*SimulatedChannel)
	return ok
}

func (s *SimulatedChannel) Name() string { return "simulated:" + s.channel.String() }

func (s *SimulatedChannel) IsAvailable() bool { return true }

func (s *SimulatedChannel) ValidateRecipient(recipient string) bool {
	return strings.TrimSpace(recipient) != ""
}

func (s *SimulatedChannel) RateLimit(ctx context.Context) (ratelimit.State, error) {
	return s.limiter.State(ctx)
}

func (s *SimulatedChannel) Send(ctx context.Context, _, recipient string) SendResult {
	return guardedSend(ctx, s.limiter, s.ValidateRecipient, recipient, func(ctx context.Context) SendResult {
		if err := ctx.Err(); err != nil {
			return resultFromError(err)
		}
		data := map[string]any{"simulated": true}
		if s.intn(100) < s.successPercent {
			return SendResult{Status: StatusSuccess, MessageID: "sim-" + uuid.NewString(), ResponseData: data}
		}
		return SendResult{Status: StatusFailed, ErrorMessage: "simulated delivery failure", ResponseData: data}
	})
}
