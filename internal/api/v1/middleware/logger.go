// Package middleware holds the fiber middleware of the API server
package middleware

import (
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	log "github.com/celestiaorg/provisioner/internal/logger"
)

// RequestIDHeader carries the id of a request in both directions
const RequestIDHeader = "X-Request-ID"

// Logger returns a middleware that logs HTTP requests. Server errors are
// logged at error level, client errors at warn.
func Logger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDHeader, requestID)

		// Continue chain
		err := c.Next()
		if err != nil {
			// let the app error handler write the response so the status is final
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		fields := map[string]interface{}{
			"request_id": requestID,
			"status":     status,
			"latency":    time.Since(start).String(),
			"ip":         c.IP(),
			"method":     c.Method(),
			"path":       c.Path(),
			"handler":    c.Route().Name,
		}
		switch {
		case status >= fiber.StatusInternalServerError:
			log.ErrorWithFields("Request", fields)
		case status >= fiber.StatusBadRequest:
			log.WarnWithFields("Request", fields)
		default:
			log.InfoWithFields("Request", fields)
		}
		return nil
	}
}
