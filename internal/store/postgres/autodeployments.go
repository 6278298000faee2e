package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
	"github.com/narvanalabs/deploybot/internal/store"
)

// AutoDeploymentStore implements store.AutoDeploymentStore using PostgreSQL.
type AutoDeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *AutoDeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const autoDeploymentColumns = `id, environment_id, sha, user_id, state, created_at, updated_at`

// Create inserts a new auto-deployment.
func (s *AutoDeploymentStore) Create(ctx context.Context, ad *models.AutoDeployment) error {
	query := `
		INSERT INTO auto_deployments (id, environment_id, sha, user_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = time.Now().UTC()
	}
	ad.UpdatedAt = ad.CreatedAt

	_, err := s.conn().ExecContext(ctx, query,
		ad.ID,
		ad.EnvironmentID,
		ad.Sha,
		ad.UserID,
		ad.State,
		ad.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auto-deployment: %w", err)
	}

	s.logger.Debug("created auto-deployment",
		"auto_deployment_id", ad.ID,
		"sha", ad.Sha,
		"state", ad.State,
	)
	return nil
}

// Get retrieves an auto-deployment by ID.
func (s *AutoDeploymentStore) Get(ctx context.Context, id string) (*models.AutoDeployment, error) {
	query := `
		SELECT ` + autoDeploymentColumns + `
		FROM auto_deployments
		WHERE id = $1`

	ad, err := scanAutoDeployment(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting auto-deployment: %w", err)
	}
	return ad, nil
}

// ActiveForSha returns the non-done auto-deployments for a commit,
// locking the rows so concurrent status events for the same sha
// serialize. Must run inside a transaction.
func (s *AutoDeploymentStore) ActiveForSha(ctx context.Context, repo models.Repository, sha string) ([]*models.AutoDeployment, error) {
	query := `
		SELECT ad.id, ad.environment_id, ad.sha, ad.user_id, ad.state, ad.created_at, ad.updated_at
		FROM auto_deployments ad
		JOIN environments e ON e.id = ad.environment_id
		WHERE ad.sha = $1 AND e.repository = $2 AND ad.state <> 'done'
		ORDER BY ad.created_at ASC
		FOR UPDATE OF ad`

	rows, err := s.conn().QueryContext(ctx, query, sha, repo.String())
	if err != nil {
		return nil, fmt.Errorf("selecting active auto-deployments: %w", err)
	}
	defer rows.Close()

	var ads []*models.AutoDeployment
	for rows.Next() {
		ad, err := scanAutoDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning auto-deployment: %w", err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auto-deployments: %w", err)
	}
	return ads, nil
}

// SetState transitions an auto-deployment. The guard keeps done
// terminal: once finalized, no state update applies.
func (s *AutoDeploymentStore) SetState(ctx context.Context, id string, state models.AutoDeploymentState) error {
	query := `
		UPDATE auto_deployments
		SET state = $2, updated_at = $3
		WHERE id = $1 AND state <> 'done'`

	result, err := s.conn().ExecContext(ctx, query, id, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating auto-deployment state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	s.logger.Debug("auto-deployment state changed", "auto_deployment_id", id, "state", state)
	return nil
}

func scanAutoDeployment(row rowScanner) (*models.AutoDeployment, error) {
	ad := &models.AutoDeployment{}
	err := row.Scan(
		&ad.ID,
		&ad.EnvironmentID,
		&ad.Sha,
		&ad.UserID,
		&ad.State,
		&ad.CreatedAt,
		&ad.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ad, nil
}
