package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/minichat/api/internal/database"
	"github.com/minichat/api/internal/models"
)

// MessageStore persists the ordered per-chat message log.
type MessageStore struct {
	db *database.Postgres
}

// NewMessageStore creates a message store.
func NewMessageStore(db *database.Postgres) *MessageStore {
	return &MessageStore{db: db}
}

// Append adds a message to the end of the chat's log.
func (s *MessageStore) Append(ctx context.Context, chatID uuid.UUID, role models.Role, content string) (*models.Message, error) {
	msg := &models.Message{ID: uuid.New(), ChatID: chatID, Role: role, Content: content}
	query := `
		INSERT INTO messages (id, chat_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := s.db.Pool().QueryRow(ctx, query, msg.ID, chatID, role, content).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return msg, nil
}

// History returns the full chat log oldest first, the order the model sees.
func (s *MessageStore) History(ctx context.Context, chatID uuid.UUID) ([]models.Message, error) {
	query := `
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return s.queryMessages(ctx, query, chatID)
}

// Page returns up to limit messages in conversation order, starting strictly
// after the cursor timestamp when one is given.
func (s *MessageStore) Page(ctx context.Context, chatID uuid.UUID, after *time.Time, limit int) ([]models.Message, error) {
	if after != nil {
		query := `
			SELECT id, chat_id, role, content, created_at
			FROM messages WHERE chat_id = $1 AND created_at > $2
			ORDER BY created_at ASC, id ASC
			LIMIT $3
		`
		return s.queryMessages(ctx, query, chatID, *after, limit)
	}
	query := `
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	return s.queryMessages(ctx, query, chatID, limit)
}

// GetInChat fetches one message by id within a chat, used to resolve cursors.
func (s *MessageStore) GetInChat(ctx context.Context, messageID, chatID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	query := `
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE id = $1 AND chat_id = $2
	`
	err := s.db.Pool().QueryRow(ctx, query, messageID, chatID).
		Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &msg, nil
}

func (s *MessageStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
