package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minichat/api/internal/models"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	userID := uuid.New()

	token, expiresAt, err := IssueToken(testSecret, userID, "user@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Error("Expected expiry in the future")
	}

	parsed, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed != userID {
		t.Errorf("Expected user id %v, got %v", userID, parsed)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, _, err := IssueToken(testSecret, uuid.New(), "user@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken("other-secret", token); err == nil {
		t.Error("Expected error for wrong signing secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, _, err := IssueToken(testSecret, uuid.New(), "user@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(testSecret, token); err == nil {
		t.Error("Expected error for expired token")
	}
}

func setupAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", Auth(testSecret), func(c *gin.Context) {
		userID, ok := GetUserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	router := setupAuthRouter()
	userID := uuid.New()
	token, _, err := IssueToken(testSecret, userID, "user@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", token, http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestRespondFromError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", models.ErrNotFound, http.StatusNotFound},
		{"conflict", models.ErrConflict, http.StatusConflict},
		{"rate limited", models.ErrRateLimited, http.StatusTooManyRequests},
		{"unknown", http.ErrServerClosed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			RespondFromError(c, tc.err, "resource not found")
			if rec.Code != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, rec.Code)
			}
		})
	}
}
