package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/middleware"
	"github.com/minichat/api/internal/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// MessageStore is the message collaborator consumed by the message handler.
type MessageStore interface {
	Append(ctx context.Context, chatID uuid.UUID, role models.Role, content string) (*models.Message, error)
	Page(ctx context.Context, chatID uuid.UUID, after *time.Time, limit int) ([]models.Message, error)
	GetInChat(ctx context.Context, messageID, chatID uuid.UUID) (*models.Message, error)
}

// MessageHandler handles message endpoints
type MessageHandler struct {
	chats    ChatStore
	messages MessageStore
	logger   *zap.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(chats ChatStore, messages MessageStore, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{chats: chats, messages: messages, logger: logger}
}

// CreateMessageRequest is the request body for posting a user message
type CreateMessageRequest struct {
	Content string `json:"content" binding:"required,max=20000"`
}

// MessagePage is a cursor-paginated slice of a chat's log
type MessagePage struct {
	Data       []models.Message `json:"data"`
	NextCursor *string          `json:"next_cursor"`
}

// List returns messages in conversation order with cursor pagination
func (h *MessageHandler) List(c *gin.Context) {
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

	if _, err := h.chats.GetOwned(c.Request.Context(), chatID, userID); err != nil {
		middleware.RespondFromError(c, err, "chat not found")
		return
	}

	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			middleware.BadRequest(c, "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	page, err := h.loadPage(c, chatID, limit)
	if err != nil {
		return // response already written
	}
	c.JSON(http.StatusOK, page)
}

func (h *MessageHandler) loadPage(c *gin.Context, chatID uuid.UUID, limit int) (*MessagePage, error) {
	ctx := c.Request.Context()

	var after *models.Message
	if cursor := c.Query("cursor"); cursor != "" {
		cursorID, err := uuid.Parse(cursor)
		if err != nil {
			middleware.BadRequest(c, "cursor must be a valid UUID")
			return nil, err
		}
		after, err = h.messages.GetInChat(ctx, cursorID, chatID)
		if err != nil {
			middleware.RespondFromError(c, err, "cursor message not found")
			return nil, err
		}
	}

	var messages []models.Message
	var err error
	if after != nil {
		messages, err = h.messages.Page(ctx, chatID, &after.CreatedAt, limit+1)
	} else {
		messages, err = h.messages.Page(ctx, chatID, nil, limit+1)
	}
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		middleware.InternalError(c, "internal server error")
		return nil, err
	}

	page := &MessagePage{Data: messages}
	if len(messages) > limit {
		page.Data = messages[:limit]
		cursor := page.Data[limit-1].ID.String()
		page.NextCursor = &cursor
	}
	return page, nil
}

// Create appends a user message to an owned chat
func (h *MessageHandler) Create(c *gin.Context) {
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

	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		middleware.BadRequest(c, "content must not be blank")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.chats.GetOwned(ctx, chatID, userID); err != nil {
		middleware.RespondFromError(c, err, "chat not found")
		return
	}

	msg, err := h.messages.Append(ctx, chatID, models.RoleUser, content)
	if err != nil {
		h.logger.Error("failed to append message", zap.Error(err))
		middleware.InternalError(c, "internal server error")
		return
	}
	if err := h.chats.Touch(ctx, chatID); err != nil {
		h.logger.Warn("failed to touch chat", zap.String("chat_id", chatID.String()), zap.Error(err))
	}

	c.JSON(http.StatusCreated, msg)
}
