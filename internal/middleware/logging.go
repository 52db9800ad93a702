package middleware

import (
	"log/slog"
	"time"

	"carewire/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// ContextMiddleware copies the request ID into the user context as the
// correlation ID, so service and storage layers can correlate their log lines
// with the request that triggered them.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), rid))
		}
		return c.Next()
	}
}

// StructuredLogger emits one log line per request through the shared
// observability logger. Identity attrs are present only after auth ran.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		fields := []any{
			slog.Int("status", status),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}
		if rid := observability.ExtractCorrelationID(c.UserContext()); rid != "" {
			fields = append(fields, slog.String("request_id", rid))
		}
		if uid, ok := c.Locals("userID").(uint); ok {
			fields = append(fields, slog.Uint64("user_id", uint64(uid)))
		}
		if role, ok := c.Locals("userRole").(string); ok && role != "" {
			fields = append(fields, slog.String("role", role))
		}

		switch {
		case err != nil:
			fields = append(fields, slog.String("error", err.Error()))
			observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed", fields...)
		case status >= fiber.StatusInternalServerError:
			observability.GlobalLogger.ErrorContext(c.UserContext(), "request processed", fields...)
		default:
			observability.GlobalLogger.InfoContext(c.UserContext(), "request processed", fields...)
		}

		return err
	}
}
