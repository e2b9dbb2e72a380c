package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/minichat/api/internal/middleware"
	"github.com/minichat/api/internal/models"
	"github.com/minichat/api/internal/store"
)

const (
	accessTokenTTL  = 24 * time.Hour
	refreshTokenTTL = 7 * 24 * time.Hour
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	users     *store.UserStore
	jwtSecret string
	logger    *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(users *store.UserStore, jwtSecret string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{users: users, jwtSecret: jwtSecret, logger: logger}
}

// RegisterRequest is the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required,min=2"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest is the request body for login
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest is the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// AuthResponse is the response for auth endpoints
type AuthResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         *models.User `json:"user"`
}

// Register creates a new user account
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		middleware.InternalError(c, "internal server error")
		return
	}

	user, err := h.users.Create(c.Request.Context(), req.Email, req.Name, string(hashedPassword))
	if err != nil {
		middleware.RespondError(c, http.StatusConflict, middleware.ErrCodeConflict, "email already exists")
		return
	}

	h.respondWithTokens(c, http.StatusCreated, user)
}

// Login authenticates a user
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	user, passwordHash, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		middleware.Unauthorized(c, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)); err != nil {
		middleware.Unauthorized(c, "invalid credentials")
		return
	}

	h.respondWithTokens(c, http.StatusOK, user)
}

// RefreshToken exchanges a valid refresh token for a fresh token pair
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}

	userID, err := middleware.ParseToken(h.jwtSecret, req.RefreshToken)
	if err != nil {
		middleware.Unauthorized(c, "invalid or expired refresh token")
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		middleware.Unauthorized(c, "invalid or expired refresh token")
		return
	}

	h.respondWithTokens(c, http.StatusOK, user)
}

// GetCurrentUser returns the authenticated user's profile
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		middleware.Unauthorized(c, "unauthorized")
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), userID)
	if err != nil {
		middleware.NotFound(c, "user not found")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *AuthHandler) respondWithTokens(c *gin.Context, status int, user *models.User) {
	token, expiresAt, err := middleware.IssueToken(h.jwtSecret, user.ID, user.Email, accessTokenTTL)
	if err == nil {
		var refreshToken string
		refreshToken, _, err = middleware.IssueToken(h.jwtSecret, user.ID, user.Email, refreshTokenTTL)
		if err == nil {
			c.JSON(status, AuthResponse{
				Token:        token,
				RefreshToken: refreshToken,
				ExpiresAt:    expiresAt,
				User:         user,
			})
			return
		}
	}

	h.logger.Error("failed to generate tokens", zap.Error(err))
	middleware.InternalError(c, "internal server error")
}
