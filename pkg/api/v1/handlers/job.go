package handlers

import (
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/services"
	"github.com/celestiaorg/provisioner/internal/types"
)

// JobHandler handles HTTP requests for job operations
type JobHandler struct {
	orchestrator *services.Orchestrator
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(o *services.Orchestrator) *JobHandler {
	return &JobHandler{orchestrator: o}
}

// EnqueueJob handles the request to queue a new job
func (h *JobHandler) EnqueueJob(c *fiber.Ctx) error {
	var req types.EnqueueJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(types.ErrInvalidInput(ErrMsgInvalidReqBody + ": " + err.Error()))
	}
	if err := req.Validate(); err != nil {
		return writeError(c, err, ErrMsgJobEnqueueFail)
	}

	var delay time.Duration
	if req.Delay != "" {
		// Validate already checked the format
		delay, _ = time.ParseDuration(req.Delay)
	}

	id, err := h.orchestrator.Enqueue(c.UserContext(), services.EnqueueRequest{
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Delay:          delay,
	})
	if err != nil {
		return writeError(c, err, ErrMsgJobEnqueueFail)
	}

	return c.Status(fiber.StatusCreated).
		JSON(types.Success(types.EnqueueJobResponse{JobID: id}))
}

// ListJobs handles the request to list jobs, filtered by queue, type and
// status
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	var filter models.JobFilter
	filter.Queue = c.Query("queue")

	if statusStr := c.Query("status"); statusStr != "" {
		status, err := types.ParseJobStatus(statusStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(ErrMsgInvalidStatus))
		}
		filter.Status = status
	}
	if typeStr := c.Query("type"); typeStr != "" {
		jobType, err := types.ParseJobType(typeStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(ErrMsgInvalidType))
		}
		filter.Type = jobType
	}

	opts, err := getPaginationOptions(c)
	if err != nil {
		return writeError(c, err, ErrMsgJobListFailed)
	}

	jobs, total, err := h.orchestrator.ListJobs(c.UserContext(), filter, opts)
	if err != nil {
		return writeError(c, err, ErrMsgJobListFailed)
	}

	return c.JSON(types.Success(types.ListJobsResponse{
		Rows: jobs,
		Pagination: types.PaginationResponse{
			Total:  int(total),
			Page:   opts.Offset/opts.Limit + 1,
			Limit:  opts.Limit,
			Offset: opts.Offset,
		},
	}))
}

// GetJob returns a job with its step results
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(ErrMsgInvalidJobID))
	}

	view, err := h.orchestrator.GetJobStatus(c.UserContext(), id)
	if err != nil {
		return writeError(c, err, ErrMsgJobGetFailed)
	}
	return c.JSON(types.Success(view))
}

// RetryJob re-queues a failed or dead-lettered job
func (h *JobHandler) RetryJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(ErrMsgInvalidJobID))
	}

	view, err := h.orchestrator.RetryJob(c.UserContext(), id)
	if err != nil {
		return writeError(c, err, ErrMsgJobRetryFailed)
	}
	return c.JSON(types.Success(view))
}

// CancelJob cancels a pending job or flags a running one
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrInvalidInput(ErrMsgInvalidJobID))
	}

	view, err := h.orchestrator.CancelJob(c.UserContext(), id)
	if err != nil {
		return writeError(c, err, ErrMsgJobCancelFailed)
	}
	return c.JSON(types.Success(view))
}
