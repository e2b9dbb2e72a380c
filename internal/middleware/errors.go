package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/minichat/api/internal/models"
)

// APIError represents a structured error response
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Common error codes
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeTooManyRequests = "too_many_requests"
	ErrCodeInternalError   = "internal_error"
)

// RespondError sends a structured error response
func RespondError(c *gin.Context, status int, code string, message string) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BadRequest sends a 400 error
func BadRequest(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 error
func Unauthorized(c *gin.Context, message string) {
	RespondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// NotFound sends a 404 error
func NotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict sends a 409 error
func Conflict(c *gin.Context, message string) {
	RespondError(c, http.StatusConflict, ErrCodeConflict, message)
}

// TooManyRequests sends a 429 error
func TooManyRequests(c *gin.Context, message string) {
	RespondError(c, http.StatusTooManyRequests, ErrCodeTooManyRequests, message)
}

// InternalError sends a 500 error
func InternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// RespondFromError maps service sentinel errors onto the API envelope.
func RespondFromError(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		NotFound(c, notFoundMsg)
	case errors.Is(err, models.ErrConflict):
		Conflict(c, err.Error())
	case errors.Is(err, models.ErrRateLimited):
		TooManyRequests(c, "QPS limit exceeded")
	default:
		InternalError(c, "internal server error")
	}
}
