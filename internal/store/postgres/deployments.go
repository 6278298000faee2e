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

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
// It holds the local mirror of deployments created in the external
// system; the external system stays authoritative for status.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `id, repository, environment, ref, sha, status, user_id, created_at`

// Record upserts the mirror row for an external deployment.
func (s *DeploymentStore) Record(ctx context.Context, d *models.Deployment) error {
	query := `
		INSERT INTO deployments (id, repository, environment, ref, sha, status, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, sha = EXCLUDED.sha`

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		d.ID,
		d.Repository.String(),
		d.Environment,
		d.Ref,
		d.Sha,
		d.Status,
		d.UserID,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording deployment: %w", err)
	}
	return nil
}

// Get retrieves a mirrored deployment by external ID.
func (s *DeploymentStore) Get(ctx context.Context, id int64) (*models.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE id = $1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting deployment: %w", err)
	}
	return d, nil
}

// LastFor retrieves the most recent deployment of an environment.
func (s *DeploymentStore) LastFor(ctx context.Context, repo models.Repository, environment string) (*models.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE repository = $1 AND environment = $2
		ORDER BY created_at DESC
		LIMIT 1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, repo.String(), environment))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("selecting last deployment: %w", err)
	}
	return d, nil
}

// SetStatus updates the mirrored status.
func (s *DeploymentStore) SetStatus(ctx context.Context, id int64, status models.DeploymentStatus) error {
	query := `
		UPDATE deployments
		SET status = $2
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("updating deployment status: %w", err)
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

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	var repo string

	err := row.Scan(
		&d.ID,
		&repo,
		&d.Environment,
		&d.Ref,
		&d.Sha,
		&d.Status,
		&d.UserID,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Repository = models.Repository(repo)
	return d, nil
}
