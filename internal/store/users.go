package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/minichat/api/internal/database"
	"github.com/minichat/api/internal/models"
)

// UserStore persists user accounts.
type UserStore struct {
	db *database.Postgres
}

// NewUserStore creates a user store.
func NewUserStore(db *database.Postgres) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a new user. Returns ErrConflict when the email is taken.
func (s *UserStore) Create(ctx context.Context, email, name, passwordHash string) (*models.User, error) {
	user := &models.User{ID: uuid.New(), Email: email, Name: name}
	query := `
		INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := s.db.Pool().QueryRow(ctx, query, user.ID, email, name, passwordHash).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

// GetByEmail fetches a user and their password hash for login.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var user models.User
	var passwordHash string
	query := `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	err := s.db.Pool().QueryRow(ctx, query, email).
		Scan(&user.ID, &user.Email, &user.Name, &passwordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, "", mapError(err)
	}
	return &user, passwordHash, nil
}

// GetByID fetches a user by id.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`
	err := s.db.Pool().QueryRow(ctx, query, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}
