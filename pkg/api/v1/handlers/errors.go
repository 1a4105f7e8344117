// Package handlers provides HTTP request handling
package handlers

import (
	"errors"

	fiber "github.com/gofiber/fiber/v2"

	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Common error messages
const (
	ErrMsgInvalidReqBody = "Invalid request body"
	ErrMsgInvalidJobID   = "Invalid job id"
	ErrMsgInvalidStatus  = "Invalid job status"
	ErrMsgInvalidType    = "Invalid job type"
	ErrMsgRouteNotFound  = "Route not found"
)

// Job error messages
const (
	ErrMsgJobNotFound     = "Job not found"
	ErrMsgJobDuplicate    = "An active job with this idempotency key already exists"
	ErrMsgJobEnqueueFail  = "Failed to enqueue job"
	ErrMsgJobGetFailed    = "Failed to get job"
	ErrMsgJobListFailed   = "Failed to list jobs"
	ErrMsgJobRetryFailed  = "Failed to retry job"
	ErrMsgJobCancelFailed = "Failed to cancel job"
	ErrMsgStatsFailed     = "Failed to get queue stats"
)

// Pagination error messages
const (
	ErrMsgNegativePagination = "Page must be a positive number from 1"
)

// writeError maps the error taxonomy onto status codes. fallback is the
// message clients see for unexpected errors.
func writeError(c *fiber.Ctx, err error, fallback string) error {
	var dup *types.DuplicateJobError
	switch {
	case errors.As(err, &dup):
		return c.Status(fiber.StatusConflict).JSON(types.ErrConflict(ErrMsgJobDuplicate, types.DuplicateJobResponse{
			IdempotencyKey: dup.IdempotencyKey,
			ExistingJobID:  dup.ExistingJobID,
		}))
	case types.IsValidationError(err):
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(err.Error()))
	case errors.Is(err, types.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(types.ErrNotFound(ErrMsgJobNotFound))
	case errors.Is(err, types.ErrJobNotCancellable),
		errors.Is(err, types.ErrJobNotRetryable),
		errors.Is(err, types.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(types.ErrConflict(err.Error(), nil))
	}

	logger.ErrorWithFields(fallback, map[string]interface{}{
		"error":  err.Error(),
		"method": c.Method(),
		"path":   c.Path(),
	})
	return c.Status(fiber.StatusInternalServerError).JSON(types.ErrServer(fallback + ": " + err.Error()))
}

// ErrorHandler renders errors that escape the handlers, such as unknown
// routes, in the same envelope as every other response
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case fiber.StatusNotFound:
			return c.Status(fe.Code).JSON(types.ErrNotFound(ErrMsgRouteNotFound))
		case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity, fiber.StatusMethodNotAllowed:
			return c.Status(fe.Code).JSON(types.ErrInvalidInput(fe.Message))
		}
		return c.Status(fe.Code).JSON(types.ErrServer(fe.Message))
	}
	return writeError(c, err, "Request failed")
}
