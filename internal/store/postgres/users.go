package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// UserStore implements store.UserStore using PostgreSQL.
type UserStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *UserStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const userColumns = `id, slack_user_id, github_login, github_token, created_at`

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`

	user, err := scanUser(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting user: %w", err)
	}
	return user, nil
}

// GetBySlackID retrieves a user by Slack user ID.
func (s *UserStore) GetBySlackID(ctx context.Context, slackUserID string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE slack_user_id = $1`

	user, err := scanUser(s.conn().QueryRowContext(ctx, query, slackUserID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting user by slack id: %w", err)
	}
	return user, nil
}

// Upsert creates or updates a user keyed by Slack user ID.
func (s *UserStore) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, slack_user_id, github_login, github_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slack_user_id) DO UPDATE
			SET github_login = EXCLUDED.github_login,
			    github_token = EXCLUDED.github_token
		RETURNING id, created_at`

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		user.ID,
		user.SlackUserID,
		user.GitHubLogin,
		user.GitHubToken,
		user.CreatedAt,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	var githubLogin, githubToken sql.NullString

	err := row.Scan(
		&user.ID,
		&user.SlackUserID,
		&githubLogin,
		&githubToken,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.GitHubLogin = githubLogin.String
	user.GitHubToken = githubToken.String
	return user, nil
}
