package handlers

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/orchestrator"
	"github.com/txspend/backend/pkg/logger"
)

type chatRequest struct {
	Message string                        `json:"message"`
	History []orchestrator.HistoryMessage `json:"history"`
}

type ChatHandler struct {
	orch *orchestrator.Orchestrator
}

func NewChatHandler(orch *orchestrator.Orchestrator) *ChatHandler {
	return &ChatHandler{orch: orch}
}

// HandleChat runs one full conversational turn and returns the complete
// transcript. Clients that want progressive tool events use the WebSocket
// endpoint instead.
func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse chat request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	response, err := h.orch.RunTurn(c.Context(), req.History, req.Message, nil)
	if err != nil {
		logger.Error("Chat turn failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(response)
}

// HandleConnection serves the streaming chat transport. Each client
// message runs one turn; tool events are forwarded as they happen and a
// final "complete" frame carries the full transcript.
func (h *ChatHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	// lookups within one turn can emit events concurrently
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteJSON(v)
	}

	for {
		var msg struct {
			Type    string                        `json:"type"`
			Message string                        `json:"message"`
			History []orchestrator.HistoryMessage `json:"history"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "chat" || msg.Message == "" {
			continue
		}

		sink := func(event orchestrator.Event) {
			if err := writeJSON(event); err != nil {
				logger.Error("Failed to forward tool event", zap.Error(err))
			}
		}

		response, err := h.orch.RunTurn(context.Background(), msg.History, msg.Message, sink)
		if err != nil {
			logger.Error("Chat turn failed", zap.Error(err))
			writeJSON(map[string]string{
				"type":  "error",
				"error": "Failed to process message",
			})
			continue
		}

		if err := writeJSON(map[string]interface{}{
			"type":     "complete",
			"response": response,
		}); err != nil {
			logger.Error("Failed to send turn response", zap.Error(err))
			break
		}
	}
}
