package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/message-dispatch/internal/channel"
	"github.com/kursadbilgin/message-dispatch/internal/observability"
)

// ChannelStatusProvider reports the state of the registered channels.
type ChannelStatusProvider interface {
	Status(ctx context.Context) []channel.Status
}

// RegisterOpsRoutes adds /channels and /metrics.
func RegisterOpsRoutes(app fiber.Router, channels ChannelStatusProvider, metrics *observability.Metrics) {
	if channels != nil {
		app.Get("/channels", func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{
				"channels": channels.Status(c.UserContext()),
			})
		})
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}
