package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/minichat/api/internal/database"
	"github.com/minichat/api/internal/models"
)

// ChatStore persists chats, always scoped to their owner.
type ChatStore struct {
	db *database.Postgres
}

// NewChatStore creates a chat store.
func NewChatStore(db *database.Postgres) *ChatStore {
	return &ChatStore{db: db}
}

// Create inserts a chat for the user.
func (s *ChatStore) Create(ctx context.Context, userID uuid.UUID, title string) (*models.Chat, error) {
	chat := &models.Chat{ID: uuid.New(), UserID: userID, Title: title}
	query := `
		INSERT INTO chats (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	err := s.db.Pool().QueryRow(ctx, query, chat.ID, userID, title).
		Scan(&chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return chat, nil
}

// ListByUser returns the user's chats, most recently updated first.
func (s *ChatStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE user_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := s.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// GetOwned fetches a chat owned by the user, ErrNotFound otherwise.
func (s *ChatStore) GetOwned(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	query := `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats WHERE id = $1 AND user_id = $2
	`
	err := s.db.Pool().QueryRow(ctx, query, chatID, userID).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &chat, nil
}

// Rename updates the title of an owned chat and bumps updated_at.
func (s *ChatStore) Rename(ctx context.Context, chatID, userID uuid.UUID, title string) (*models.Chat, error) {
	var chat models.Chat
	query := `
		UPDATE chats SET title = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, created_at, updated_at
	`
	err := s.db.Pool().QueryRow(ctx, query, chatID, userID, title).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &chat, nil
}

// Delete removes an owned chat and, via cascade, its messages and
// generations. ErrNotFound when the chat is not owned by the user.
func (s *ChatStore) Delete(ctx context.Context, chatID, userID uuid.UUID) error {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM chats WHERE id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Touch bumps a chat's updated_at so it sorts to the top of the list.
func (s *ChatStore) Touch(ctx context.Context, chatID uuid.UUID) error {
	_, err := s.db.Pool().Exec(ctx, `UPDATE chats SET updated_at = NOW() WHERE id = $1`, chatID)
	return mapError(err)
}
