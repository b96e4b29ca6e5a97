package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/export"
	"github.com/txspend/backend/pkg/logger"
)

type DownloadHandler struct {
	pipeline *export.Pipeline
}

func NewDownloadHandler(pipeline *export.Pipeline) *DownloadHandler {
	return &DownloadHandler{pipeline: pipeline}
}

// HandleDownload executes a prepared export ticket and streams the CSV.
// The ticket comes back from the client exactly as the chat turn issued
// it; this endpoint never regenerates or rewrites the query.
func (h *DownloadHandler) HandleDownload(c *fiber.Ctx) error {
	var req struct {
		Ticket export.Ticket `json:"ticket"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse download request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Ticket.SQLQuery == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ticket with a sqlQuery is required",
		})
	}

	csv, err := h.pipeline.Execute(c.Context(), req.Ticket)
	if err != nil {
		if errors.Is(err, export.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "The export query returned no rows. Try broadening the request.",
			})
		}
		logger.Error("Download failed",
			zap.String("ticket_id", req.Ticket.ID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate the export",
		})
	}

	// the ticket round-tripped through the client, so the filename cannot
	// be trusted to still be header-safe
	filename := export.SanitizeFilename(req.Ticket.Filename)

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s.csv"`, filename))
	return c.Send(csv)
}
