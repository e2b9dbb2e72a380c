package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerationStatus represents the lifecycle state of a generation
type GenerationStatus string

const (
	GenerationStatusQueued    GenerationStatus = "queued"
	GenerationStatusStreaming GenerationStatus = "streaming"
	GenerationStatusSucceeded GenerationStatus = "succeeded"
	GenerationStatusFailed    GenerationStatus = "failed"
	GenerationStatusCanceled  GenerationStatus = "canceled"
)

// Terminal reports whether the status is one of the immutable end states.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationStatusSucceeded || s == GenerationStatusFailed || s == GenerationStatusCanceled
}

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// User represents a registered account
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat represents a conversation owned by a single user
type Chat struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn in a chat, ordered by creation time
type Message struct {
	ID        uuid.UUID `json:"id"`
	ChatID    uuid.UUID `json:"chat_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerationOutcome carries the terminal fields written exactly once when a
// generation finishes.
type GenerationOutcome struct {
	Status       GenerationStatus
	InputTokens  *int
	OutputTokens *int
	ErrorCode    *string
	ErrorMessage *string
}

// Generation tracks one attempted model reply as a stateful job.
// Mutated only by the generation service; terminal records are immutable.
type Generation struct {
	ID           uuid.UUID        `json:"id"`
	ChatID       uuid.UUID        `json:"chat_id"`
	UserID       uuid.UUID        `json:"user_id"`
	Status       GenerationStatus `json:"status"`
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Temperature  float64          `json:"temperature"`
	MaxTokens    int              `json:"max_tokens"`
	RequestID    string           `json:"request_id"`
	InputTokens  *int             `json:"input_tokens,omitempty"`
	OutputTokens *int             `json:"output_tokens,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
