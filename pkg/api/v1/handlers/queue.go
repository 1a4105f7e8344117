package handlers

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/celestiaorg/provisioner/internal/services"
	"github.com/celestiaorg/provisioner/internal/types"
)

// QueueHandler serves queue statistics
type QueueHandler struct {
	orchestrator *services.Orchestrator
}

// NewQueueHandler creates a new queue handler instance
func NewQueueHandler(o *services.Orchestrator) *QueueHandler {
	return &QueueHandler{orchestrator: o}
}

// GetQueueStats returns counts, depth and timing for every queue
func (h *QueueHandler) GetQueueStats(c *fiber.Ctx) error {
	stats, err := h.orchestrator.ListQueueStats(c.UserContext())
	if err != nil {
		return writeError(c, err, ErrMsgStatsFailed)
	}
	return c.JSON(types.Success(stats))
}
