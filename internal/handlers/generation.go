package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/generation"
	"github.com/minichat/api/internal/middleware"
)

// GenerationHandler exposes the generation lifecycle over HTTP
type GenerationHandler struct {
	service *generation.Service
	logger  *zap.Logger
}

// NewGenerationHandler creates a new generation handler
func NewGenerationHandler(service *generation.Service, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{service: service, logger: logger}
}

// CreateGenerationRequest is the request body for creating a generation
type CreateGenerationRequest struct {
	UserMessage  string   `json:"user_message" binding:"required,max=20000"`
	Model        string   `json:"model" binding:"omitempty,max=100"`
	SystemPrompt string   `json:"system_prompt" binding:"omitempty,max=10000"`
	Temperature  *float64 `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens    *int     `json:"max_tokens" binding:"omitempty,gte=1,lte=4096"`
	RequestID    string   `json:"request_id" binding:"omitempty,max=255"`
}

// Create queues a generation for a chat. Idempotent on request_id.
func (h *GenerationHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "chat id must be a valid UUID")
		return
	}

	var req CreateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	generationID, err := h.service.Create(c.Request.Context(), userID, chatID, generation.CreateParams{
		UserMessage:  req.UserMessage,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		RequestID:    req.RequestID,
	})
	if err != nil {
		middleware.RespondFromError(c, err, "chat not found")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"generation_id": generationID})
}

// Stream subscribes to a queued generation and relays inference events as
// server-sent events until the generation reaches a terminal state.
func (h *GenerationHandler) Stream(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	generationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "generation id must be a valid UUID")
		return
	}

	events, err := h.service.Stream(c.Request.Context(), userID, generationID)
	if err != nil {
		middleware.RespondFromError(c, err, "generation not found")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// gin stops the loop when the client disconnects; the relay task keeps
	// running and the persisted record stays authoritative either way.
	c.Stream(func(w io.Writer) bool {
		ev, open := <-events
		if !open {
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", ev.Payload())
		return true
	})
}

// Cancel requests cancellation of a generation. Always reports accepted for
// generations the caller owns, including already-finished ones.
func (h *GenerationHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	generationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "generation id must be a valid UUID")
		return
	}

	if err := h.service.Cancel(c.Request.Context(), userID, generationID); err != nil {
		middleware.RespondFromError(c, err, "generation not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
