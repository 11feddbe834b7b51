package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	RateLimitBackendLocal = "local"
	RateLimitBackendRedis = "redis"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	APIPort       int    `env:"API_PORT,default=8080"`
	WorkerOpsPort int    `env:"WORKER_OPS_PORT,default=8081"`
	LogLevel      string `env:"LOG_LEVEL,default=info"`

	SendQueue                 string `env:"SEND_QUEUE,default=send_queue"`
	BatchQueue                string `env:"BATCH_QUEUE,default=batch_queue"`
	VisibilityTimeoutSeconds  int    `env:"VISIBILITY_TIMEOUT_SECONDS,default=300"`
	MaxReceiveCount           int    `env:"MAX_RECEIVE_COUNT,default=3"`
	PollWaitSeconds           int    `env:"POLL_WAIT_SECONDS,default=20"`
	MaxMessagesPerPoll        int    `env:"MAX_MESSAGES_PER_POLL,default=10"`
	ChannelSendTimeoutSeconds int    `env:"CHANNEL_SEND_TIMEOUT_SECONDS,default=30"`

	BatchThreshold     int    `env:"BATCH_THRESHOLD,default=5"`
	BatchSendPerSecond int    `env:"BATCH_SEND_PER_SECOND,default=0"`
	RateLimitBackend   string `env:"RATE_LIMIT_BACKEND,default=local"`

	LineAccessToken         string `env:"LINE_CHANNEL_ACCESS_TOKEN"`
	LineAPIURL              string `env:"LINE_API_URL,default=https://api.line.me/v2/bot/message/push"`
	LineRateLimitMax        int    `env:"LINE_RATE_LIMIT_MAX,default=1000"`
	LineRateLimitWindowSecs int    `env:"LINE_RATE_LIMIT_WINDOW_SECONDS,default=3600"`

	SMSAPIKey              string `env:"SMS_API_KEY"`
	SMSWebhookURL          string `env:"SMS_WEBHOOK_URL"`
	SMSRateLimitMax        int    `env:"SMS_RATE_LIMIT_MAX,default=100"`
	SMSRateLimitWindowSecs int    `env:"SMS_RATE_LIMIT_WINDOW_SECONDS,default=3600"`

	EmailAPIKey              string `env:"EMAIL_API_KEY"`
	EmailWebhookURL          string `env:"EMAIL_WEBHOOK_URL"`
	EmailRateLimitMax        int    `env:"EMAIL_RATE_LIMIT_MAX,default=500"`
	EmailRateLimitWindowSecs int    `env:"EMAIL_RATE_LIMIT_WINDOW_SECONDS,default=3600"`

	SimulateUnconfiguredChannels bool `env:"SIMULATE_UNCONFIGURED_CHANNELS,default=true"`
	SimulatedSuccessPercent      int  `env:"SIMULATED_SUCCESS_PERCENT,default=100"`

	SchedulerIntervalSeconds int `env:"SCHEDULER_INTERVAL_SECONDS,default=5"`
	SchedulerGraceSeconds    int `env:"SCHEDULER_GRACE_SECONDS,default=60"`
	SchedulerScanLimit       int `env:"SCHEDULER_SCAN_LIMIT,default=500"`

	ShutdownTimeoutSeconds int `env:"SHUTDOWN_TIMEOUT_SECONDS,default=15"`
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.SendQueue == "" || c.BatchQueue == "":
		return errors.New("queue names must not be empty")
	case c.SendQueue == c.BatchQueue:
		return errors.New("SEND_QUEUE and BATCH_QUEUE must differ")
	case c.VisibilityTimeoutSeconds < 1:
		return errors.New("VISIBILITY_TIMEOUT_SECONDS must be positive")
	case c.ChannelSendTimeoutSeconds < 1:
		return errors.New("CHANNEL_SEND_TIMEOUT_SECONDS must be positive")
	case c.ChannelSendTimeoutSeconds >= c.VisibilityTimeoutSeconds:
		return fmt.Errorf("CHANNEL_SEND_TIMEOUT_SECONDS (%d) must be shorter than VISIBILITY_TIMEOUT_SECONDS (%d)",
			c.ChannelSendTimeoutSeconds, c.VisibilityTimeoutSeconds)
	case c.MaxReceiveCount < 1:
		return errors.New("MAX_RECEIVE_COUNT must be at least 1")
	case c.PollWaitSeconds < 0 || c.PollWaitSeconds > 20:
		return errors.New("POLL_WAIT_SECONDS must be between 0 and 20")
	case c.MaxMessagesPerPoll < 1 || c.MaxMessagesPerPoll > 10:
		return errors.New("MAX_MESSAGES_PER_POLL must be between 1 and 10")
	case c.BatchThreshold < 1:
		return errors.New("BATCH_THRESHOLD must be at least 1")
	case c.BatchSendPerSecond < 0:
		return errors.New("BATCH_SEND_PER_SECOND must not be negative")
	case c.RateLimitBackend != RateLimitBackendLocal && c.RateLimitBackend != RateLimitBackendRedis:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q", RateLimitBackendLocal, RateLimitBackendRedis)
	case c.SimulatedSuccessPercent < 0 || c.SimulatedSuccessPercent > 100:
		return errors.New("SIMULATED_SUCCESS_PERCENT must be between 0 and 100")
	case c.SchedulerIntervalSeconds < 1 || c.SchedulerScanLimit < 1:
		return errors.New("scheduler interval and scan limit must be positive")
	}
	return nil
}

func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

func (c *Config) PollWait() time.Duration {
	return time.Duration(c.PollWaitSeconds) * time.Second
}

func (c *Config) ChannelSendTimeout() time.Duration {
	return time.Duration(c.ChannelSendTimeoutSeconds) * time.Second
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

func (c *Config) SchedulerGrace() time.Duration {
	return time.Duration(c.SchedulerGraceSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ChannelSettings returns the raw settings for one channel type, keyed the
// way the channel registry expects them. Empty values are omitted.
func (c *Config) ChannelSettings(channel string) map[string]string {
	var settings map[string]string
	switch channel {
	case "chat":
		settings = map[string]string{
			"channel_access_token": c.LineAccessToken,
			"api_url":              c.LineAPIURL,
		}
	case "sms":
		settings = map[string]string{
			"api_key":     c.SMSAPIKey,
			"webhook_url": c.SMSWebhookURL,
		}
	case "email":
		settings = map[string]string{
			"api_key":     c.EmailAPIKey,
			"webhook_url": c.EmailWebhookURL,
		}
	default:
		return map[string]string{}
	}

	for k, v := range settings {
		if v == "" {
			delete(settings, k)
		}
	}
	return settings
}

// ChannelRateLimit returns max requests and window for one channel type.
func (c *Config) ChannelRateLimit(channel string) (int, time.Duration) {
	switch channel {
	case "chat":
		return c.LineRateLimitMax, time.Duration(c.LineRateLimitWindowSecs) * time.Second
	case "sms":
		return c.SMSRateLimitMax, time.Duration(c.SMSRateLimitWindowSecs) * time.Second
	case "email":
		return c.EmailRateLimitMax, time.Duration(c.EmailRateLimitWindowSecs) * time.Second
	}
	return 100, time.Hour
}
