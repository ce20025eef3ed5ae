package handler

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
)

// RenderHandler wires the websocket rendering-surface stream.
type RenderHandler struct {
	service service.RenderService
	logger  zerolog.Logger
}

// NewRenderHandler creates a render handler instance.
func NewRenderHandler(service service.RenderService, logger zerolog.Logger) *RenderHandler {
	return &RenderHandler{
		service: service,
		logger:  logger.With().Str("component", "render_handler").Logger(),
	}
}

// Register binds the websocket upgrade under the provided router group.
func (h *RenderHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := c.UserContext()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *RenderHandler) handleConnection(conn *websocket.Conn) {
	assignment := strings.TrimSpace(conn.Query("assignment_id"))
	assignmentID, err := strconv.ParseUint(assignment, 10, 64)
	if err != nil || assignmentID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusBadRequest, "assignment_id required"))
		_ = conn.Close()
		return
	}

	userID := websocketUserID(conn)
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)

	opts := service.RenderConnectionOptions{
		UserID:       userID,
		AssignmentID: uint(assignmentID),
		Context:      baseCtx,
	}

	h.logger.Info().Str("user_id", userID).Uint64("assignment_id", assignmentID).Msg("render websocket connected")
	h.service.ServeConnection(conn, opts)
	h.logger.Info().Str("user_id", userID).Uint64("assignment_id", assignmentID).Msg("render websocket disconnected")
}

func websocketUserID(conn *websocket.Conn) string {
	if v := conn.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case uint:
			return strconv.FormatUint(uint64(id), 10)
		case int:
			if id > 0 {
				return strconv.Itoa(id)
			}
		}
	}
	return strings.TrimSpace(conn.Query("user_id"))
}
