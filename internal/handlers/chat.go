package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/eventbus"
	"github.com/minichat/api/internal/middleware"
	"github.com/minichat/api/internal/models"
)

const defaultChatTitle = "New Chat"

// ChatStore is the chat collaborator consumed by the chat and message
// handlers.
type ChatStore interface {
	Create(ctx context.Context, userID uuid.UUID, title string) (*models.Chat, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error)
	GetOwned(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error)
	Rename(ctx context.Context, chatID, userID uuid.UUID, title string) (*models.Chat, error)
	Delete(ctx context.Context, chatID, userID uuid.UUID) error
	Touch(ctx context.Context, chatID uuid.UUID) error
}

// ChatHandler handles chat CRUD endpoints
type ChatHandler struct {
	chats  ChatStore
	events *eventbus.Publisher
	logger *zap.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chats ChatStore, events *eventbus.Publisher, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, events: events, logger: logger}
}

// ChatRequest is the request body for creating or renaming a chat
type ChatRequest struct {
	Title string `json:"title" binding:"max=200"`
}

// Create creates a new chat for the caller
func (h *ChatHandler) Create(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	chat, err := h.chats.Create(c.Request.Context(), userID, normalizeTitle(req.Title))
	if err != nil {
		h.logger.Error("failed to create chat", zap.Error(err))
		middleware.InternalError(c, "internal server error")
		return
	}

	h.events.PublishAudit(userID, "create_chat", map[string]string{
		"chatId": chat.ID.String(),
		"title":  chat.Title,
	})
	c.JSON(http.StatusCreated, chat)
}

// List returns the caller's chats, most recently updated first
func (h *ChatHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	chats, err := h.chats.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		middleware.InternalError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chats})
}

// Rename updates a chat title
func (h *ChatHandler) Rename(c *gin.Context) {
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

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	chat, err := h.chats.Rename(c.Request.Context(), chatID, userID, normalizeTitle(req.Title))
	if err != nil {
		middleware.RespondFromError(c, err, "chat not found")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// Delete removes a chat and its history
func (h *ChatHandler) Delete(c *gin.Context) {
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

	if err := h.chats.Delete(c.Request.Context(), chatID, userID); err != nil {
		middleware.RespondFromError(c, err, "chat not found")
		return
	}
	c.Status(http.StatusNoContent)
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return defaultChatTitle
	}
	return title
}
