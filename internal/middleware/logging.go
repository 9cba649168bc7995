package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stepgate/backend/pkg/logger"
)

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		latency := time.Since(start)
		statusCode := c.Response().StatusCode()

		details := map[string]interface{}{
			"method":      c.Method(),
			"path":        c.Path(),
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"ip":          c.IP(),
		}

		if tenant := GetCurrentTenant(c); tenant != nil {
			details["tenant_id"] = tenant.ID.String()
		}

		if statusCode >= 500 {
			logger.Error("http_request", err, details)
		} else if statusCode >= 400 {
			logger.Warn("http_request", details)
		} else {
			logger.Info("http_request", details)
		}

		return err
	}
}
