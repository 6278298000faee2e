package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// EnvironmentStore implements store.EnvironmentStore using PostgreSQL.
type EnvironmentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *EnvironmentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const environmentColumns = `id, repository, name, auto_deploy, default_ref, required_contexts, created_at, updated_at`

// Get retrieves an environment by repository and name, creating it with
// defaults on first reference. The upsert keeps concurrent first
// references from racing to two rows.
func (s *EnvironmentStore) Get(ctx context.Context, repo models.Repository, name string) (*models.Environment, error) {
	query := `
		INSERT INTO environments (id, repository, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (repository, name) DO UPDATE SET repository = EXCLUDED.repository
		RETURNING ` + environmentColumns

	now := time.Now().UTC()
	env, err := scanEnvironment(s.conn().QueryRowContext(ctx, query, uuid.NewString(), repo.String(), name, now))
	if err != nil {
		return nil, fmt.Errorf("getting environment: %w", err)
	}
	return env, nil
}

// GetByID retrieves an environment by ID.
func (s *EnvironmentStore) GetByID(ctx context.Context, id string) (*models.Environment, error) {
	query := `
		SELECT ` + environmentColumns + `
		FROM environments
		WHERE id = $1`

	env, err := scanEnvironment(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting environment: %w", err)
	}
	return env, nil
}

// Update persists the environment's mutable fields.
func (s *EnvironmentStore) Update(ctx context.Context, env *models.Environment) error {
	query := `
		UPDATE environments
		SET auto_deploy = $2, default_ref = $3, required_contexts = $4, updated_at = $5
		WHERE id = $1`

	env.UpdatedAt = time.Now().UTC()
	result, err := s.conn().ExecContext(ctx, query,
		env.ID,
		env.AutoDeploy,
		env.DefaultRef,
		pq.Array(env.RequiredContexts),
		env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating environment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListForRepository retrieves all known environments of a repository.
func (s *EnvironmentStore) ListForRepository(ctx context.Context, repo models.Repository) ([]*models.Environment, error) {
	query := `
		SELECT ` + environmentColumns + `
		FROM environments
		WHERE repository = $1
		ORDER BY name ASC`

	rows, err := s.conn().QueryContext(ctx, query, repo.String())
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []*models.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning environment: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating environments: %w", err)
	}
	return envs, nil
}

func scanEnvironment(row rowScanner) (*models.Environment, error) {
	env := &models.Environment{}
	var repo string

	err := row.Scan(
		&env.ID,
		&repo,
		&env.Name,
		&env.AutoDeploy,
		&env.DefaultRef,
		pq.Array(&env.RequiredContexts),
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	env.Repository = models.Repository(repo)
	return env, nil
}
