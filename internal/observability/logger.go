package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationKey struct{}

// NewLogger builds the JSON logger shared by the api and worker processes.
// Every entry carries the process name under "service".
func NewLogger(service, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(defaultString(strings.TrimSpace(level), "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		Sampling:          &zap.SamplingConfig{Initial: 100, Thereafter: 100},
	}
	if service = strings.TrimSpace(service); service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// WithCorrelationID stores the request correlation id on ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id, id != ""
}

// WithContextLogger tags logger with the correlation id carried by ctx, if any.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	id, ok := CorrelationIDFromContext(ctx)
	if logger == nil || !ok {
		return logger
	}
	return logger.With(zap.String("correlation_id", id))
}

// DeliveryFields are the fields attached to every log line about one
// message delivery. Zero values are omitted.
func DeliveryFields(queueName, batchID string, messageID int64, channel string) []zap.Field {
	var fields []zap.Field
	for _, kv := range [...]struct{ key, value string }{
		{"queue", queueName},
		{"batch_id", batchID},
		{"channel", channel},
	} {
		if kv.value != "" {
			fields = append(fields, zap.String(kv.key, kv.value))
		}
	}
	if messageID != 0 {
		fields = append(fields, zap.Int64("message_id", messageID))
	}
	return fields
}
