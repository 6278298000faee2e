package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The partial unique index
// on locks is the storage-level exclusivity mechanism: two concurrent
// lock creations on the same environment cannot both commit.
const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		slack_user_id VARCHAR(64) NOT NULL UNIQUE,
		github_login VARCHAR(255),
		github_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS environments (
		id UUID PRIMARY KEY,
		repository VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		auto_deploy BOOLEAN NOT NULL DEFAULT FALSE,
		default_ref VARCHAR(255) NOT NULL DEFAULT '',
		required_contexts TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (repository, name)
	);

	CREATE TABLE IF NOT EXISTS locks (
		id UUID PRIMARY KEY,
		environment_id UUID NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id),
		message TEXT NOT NULL DEFAULT '',
		strong BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		released_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_one_active
		ON locks(environment_id) WHERE released_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_locks_user_active
		ON locks(user_id) WHERE released_at IS NULL;

	CREATE TABLE IF NOT EXISTS auto_deployments (
		id UUID PRIMARY KEY,
		environment_id UUID NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
		sha VARCHAR(40) NOT NULL,
		user_id UUID NOT NULL REFERENCES users(id),
		state VARCHAR(20) NOT NULL CHECK (state IN ('pending', 'ready', 'failed', 'done')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_auto_deployments_sha
		ON auto_deployments(sha) WHERE state <> 'done';

	CREATE TABLE IF NOT EXISTS deployments (
		id BIGINT PRIMARY KEY,
		repository VARCHAR(255) NOT NULL,
		environment VARCHAR(255) NOT NULL,
		ref VARCHAR(255) NOT NULL,
		sha VARCHAR(40) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'success', 'failure', 'error')),
		user_id UUID NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_env
		ON deployments(repository, environment, created_at DESC);

	CREATE TABLE IF NOT EXISTS watchdog_tasks (
		id UUID PRIMARY KEY,
		kind VARCHAR(40) NOT NULL,
		entity_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_watchdog_tasks_ready
		ON watchdog_tasks(run_at) WHERE status = 'pending';
`

// Migrate applies the database schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
