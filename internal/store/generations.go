package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/minichat/api/internal/database"
	"github.com/minichat/api/internal/models"
)

// GenerationStore persists generation records. Lifecycle transitions are
// status-guarded in SQL so a terminal record can never be rewritten, even if
// two callers race into the same transition.
type GenerationStore struct {
	db *database.Postgres
}

// NewGenerationStore creates a generation store.
func NewGenerationStore(db *database.Postgres) *GenerationStore {
	return &GenerationStore{db: db}
}

// Create inserts a queued generation. ErrConflict on a duplicate
// (user, request id) pair.
func (s *GenerationStore) Create(ctx context.Context, gen *models.Generation) error {
	query := `
		INSERT INTO generations (id, chat_id, user_id, status, model, system_prompt, temperature, max_tokens, request_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := s.db.Pool().QueryRow(ctx, query,
		gen.ID, gen.ChatID, gen.UserID, gen.Status, gen.Model, gen.SystemPrompt,
		gen.Temperature, gen.MaxTokens, gen.RequestID).
		Scan(&gen.CreatedAt, &gen.UpdatedAt)
	return mapError(err)
}

// GetOwned fetches a generation owned by the user, ErrNotFound otherwise.
func (s *GenerationStore) GetOwned(ctx context.Context, generationID, userID uuid.UUID) (*models.Generation, error) {
	query := selectGeneration + ` WHERE id = $1 AND user_id = $2`
	return s.queryOne(ctx, query, generationID, userID)
}

// GetByRequestID resolves the generation created for an idempotency key.
func (s *GenerationStore) GetByRequestID(ctx context.Context, userID uuid.UUID, requestID string) (*models.Generation, error) {
	query := selectGeneration + ` WHERE user_id = $1 AND request_id = $2`
	return s.queryOne(ctx, query, userID, requestID)
}

// MarkStreaming moves a queued generation to streaming, recording the start
// time and clearing stale error fields. Reports false when the generation
// was no longer queued.
func (s *GenerationStore) MarkStreaming(ctx context.Context, generationID uuid.UUID, startedAt time.Time) (bool, error) {
	query := `
		UPDATE generations
		SET status = 'streaming', started_at = $2,
		    error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`
	tag, err := s.db.Pool().Exec(ctx, query, generationID, startedAt)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize writes the terminal outcome. The status guard makes this
// idempotent: once a record is terminal the update matches no rows and the
// call reports false.
func (s *GenerationStore) Finalize(ctx context.Context, generationID uuid.UUID, outcome models.GenerationOutcome) (bool, error) {
	query := `
		UPDATE generations
		SET status = $2, input_tokens = $3, output_tokens = $4,
		    error_code = $5, error_message = $6, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'streaming')
	`
	tag, err := s.db.Pool().Exec(ctx, query, generationID,
		outcome.Status, outcome.InputTokens, outcome.OutputTokens,
		outcome.ErrorCode, outcome.ErrorMessage)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

const selectGeneration = `
	SELECT id, chat_id, user_id, status, model, COALESCE(system_prompt, ''),
	       temperature, max_tokens, request_id, input_tokens, output_tokens,
	       error_code, error_message, started_at, finished_at, created_at, updated_at
	FROM generations`

func (s *GenerationStore) queryOne(ctx context.Context, query string, args ...interface{}) (*models.Generation, error) {
	var gen models.Generation
	err := s.db.Pool().QueryRow(ctx, query, args...).Scan(
		&gen.ID, &gen.ChatID, &gen.UserID, &gen.Status, &gen.Model, &gen.SystemPrompt,
		&gen.Temperature, &gen.MaxTokens, &gen.RequestID, &gen.InputTokens, &gen.OutputTokens,
		&gen.ErrorCode, &gen.ErrorMessage, &gen.StartedAt, &gen.FinishedAt, &gen.CreatedAt, &gen.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &gen, nil
}
