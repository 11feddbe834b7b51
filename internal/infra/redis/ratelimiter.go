package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit"

var acquireScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Limiter = (*WindowLimiter)(nil)

// WindowLimiter is a fixed-window counter shared through Redis, so worker
// processes using the same channel credentials draw from one budget.
type WindowLimiter struct {
	client      *goredis.Client
	key         string
	maxRequests int64
	window      time.Duration
	now         func() time.Time
	script      *goredis.Script
}

func NewWindowLimiter(client *goredis.Client, key string, maxRequests int, window time.Duration) (*WindowLimiter, error) {
	return newWindowLimiter(client, key, int64(maxRequests), window, time.Now)
}

// LimiterFactory returns a ratelimit.Factory backed by client.
func LimiterFactory(client *goredis.Client) ratelimit.Factory {
	return func(key string, maxRequests int, window time.Duration) ratelimit.Limiter {
		limiter, err := NewWindowLimiter(client, key, maxRequests, window)
		if err != nil {
			return ratelimit.NewWindow(maxRequests, window)
		}
		return limiter
	}
}

func newWindowLimiter(
	client *goredis.Client,
	key string,
	maxRequests int64,
	window time.Duration,
	nowFn func() time.Time,
) (*WindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("limiter key is required")
	}
	if maxRequests < 0 {
		maxRequests = 0
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms")
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &WindowLimiter{
		client:      client,
		key:         key,
		maxRequests: maxRequests,
		window:      window,
		now:         nowFn,
		script:      acquireScript,
	}, nil
}

func (l *WindowLimiter) State(ctx context.Context) (ratelimit.State, error) {
	key, resetAt := l.windowKey()

	current, err := l.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return ratelimit.State{}, fmt.Errorf("failed to read rate limit: %w", err)
	}

	return ratelimit.State{
		MaxRequests:     int(l.maxRequests),
		Window:          l.window,
		CurrentRequests: int(min(current, l.maxRequests)),
		ResetAt:         resetAt,
	}, nil
}

func (l *WindowLimiter) Acquire(ctx context.Context) (bool, error) {
	key, _ := l.windowKey()

	result, err := l.script.Run(ctx, l.client, []string{key}, l.maxRequests, l.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return result == 1, nil
}

// windowKey returns the key of the window containing now and the instant that
// window ends. Windows are aligned to the epoch so every process agrees.
func (l *WindowLimiter) windowKey() (string, time.Time) {
	windowMs := l.window.Milliseconds()
	index := l.now().UnixMilli() / windowMs
	resetAt := time.UnixMilli((index + 1) * windowMs).UTC()
	return fmt.Sprintf("%s:%s:%d", keyPrefix, l.key, index), resetAt
}
