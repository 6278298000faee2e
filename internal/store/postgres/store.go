// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/deploybot/internal/store"
)

// queryable abstracts over *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	environments    *EnvironmentStore
	locks           *LockStore
	autoDeployments *AutoDeploymentStore
	deployments     *DeploymentStore
	users           *UserStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	s.environments = &EnvironmentStore{db: db, logger: logger}
	s.locks = &LockStore{db: db, logger: logger}
	s.autoDeployments = &AutoDeploymentStore{db: db, logger: logger}
	s.deployments = &DeploymentStore{db: db, logger: logger}
	s.users = &UserStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Environments returns the EnvironmentStore.
func (s *PostgresStore) Environments() store.EnvironmentStore {
	return s.environments
}

// Locks returns the LockStore.
func (s *PostgresStore) Locks() store.LockStore {
	return s.locks
}

// AutoDeployments returns the AutoDeploymentStore.
func (s *PostgresStore) AutoDeployments() store.AutoDeploymentStore {
	return s.autoDeployments
}

// Deployments returns the DeploymentStore.
func (s *PostgresStore) Deployments() store.DeploymentStore {
	return s.deployments
}

// Users returns the UserStore.
func (s *PostgresStore) Users() store.UserStore {
	return s.users
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is useful for components that need direct database access.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	environments    *EnvironmentStore
	locks           *LockStore
	autoDeployments *AutoDeploymentStore
	deployments     *DeploymentStore
	users           *UserStore
}

func (s *txStore) Environments() store.EnvironmentStore {
	if s.environments == nil {
		s.environments = &EnvironmentStore{tx: s.tx, logger: s.logger}
	}
	return s.environments
}

func (s *txStore) Locks() store.LockStore {
	if s.locks == nil {
		s.locks = &LockStore{tx: s.tx, logger: s.logger}
	}
	return s.locks
}

func (s *txStore) AutoDeployments() store.AutoDeploymentStore {
	if s.autoDeployments == nil {
		s.autoDeployments = &AutoDeploymentStore{tx: s.tx, logger: s.logger}
	}
	return s.autoDeployments
}

func (s *txStore) Deployments() store.DeploymentStore {
	if s.deployments == nil {
		s.deployments = &DeploymentStore{tx: s.tx, logger: s.logger}
	}
	return s.deployments
}

func (s *txStore) Users() store.UserStore {
	if s.users == nil {
		s.users = &UserStore{tx: s.tx, logger: s.logger}
	}
	return s.users
}

// WithTx on a transaction-scoped store runs the function in the same
// transaction rather than opening a nested one.
func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func (s *txStore) Close() error {
	return nil
}
