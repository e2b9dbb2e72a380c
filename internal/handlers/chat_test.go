package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/middleware"
	"github.com/minichat/api/internal/models"
)

// setupChatRouter registers the chat routes the way the server does,
// including the CORS middleware.
func setupChatRouter(userID uuid.UUID, chats *fakeChatStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewChatHandler(chats, nil, zap.NewNop())
	router := gin.New()
	router.Use(middleware.CORS())
	group := router.Group("/api/v1/chats", stubAuth(userID))
	group.POST("", handler.Create)
	group.GET("", handler.List)
	group.PATCH("/:id", handler.Rename)
	group.DELETE("/:id", handler.Delete)
	return router
}

func TestRenameChatViaPatch(t *testing.T) {
	userID := uuid.New()
	chats := newFakeChatStore()
	chatID := chats.add(userID)
	router := setupChatRouter(userID, chats)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+chatID.String(),
		strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var chat models.Chat
	if err := json.Unmarshal(rec.Body.Bytes(), &chat); err != nil {
		t.Fatalf("Failed to decode chat: %v", err)
	}
	if chat.Title != "Renamed" {
		t.Errorf("Expected title Renamed, got %q", chat.Title)
	}
}

func TestRenamePreflightAllowsPatch(t *testing.T) {
	userID := uuid.New()
	chats := newFakeChatStore()
	chatID := chats.add(userID)
	router := setupChatRouter(userID, chats)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/chats/"+chatID.String(), nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204 for preflight, got %d", rec.Code)
	}
	allowed := rec.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allowed, http.MethodPatch) {
		t.Errorf("Expected PATCH in allowed methods, got %q", allowed)
	}
}

func TestRenameChatNotFound(t *testing.T) {
	userID := uuid.New()
	router := setupChatRouter(userID, newFakeChatStore())

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/chats/"+uuid.NewString(),
		strings.NewReader(`{"title":"Renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}
