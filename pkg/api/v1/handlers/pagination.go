package handlers

import (
	fiber "github.com/gofiber/fiber/v2"

	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = models.DefaultLimit
	// MaxPageSize is the maximum allowed page size
	MaxPageSize = models.MaxLimit
)

// getPaginationOptions reads limit and offset, or page, from the query
func getPaginationOptions(c *fiber.Ctx) (*models.ListOptions, error) {
	opts := &models.ListOptions{
		Limit:  c.QueryInt("limit", DefaultPageSize),
		Offset: c.QueryInt("offset", 0),
	}
	opts.Normalize()
	if c.Query("page") != "" {
		page := c.QueryInt("page", 0)
		if page < 1 {
			return nil, types.NewValidationError("page", ErrMsgNegativePagination)
		}
		opts.Offset = (page - 1) * opts.Limit
	}
	return opts, nil
}
