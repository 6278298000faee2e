// Package auth provides repository authorization for deployment requests.
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/narvanalabs/deploybot/internal/models"
)

// ErrUnauthorized is returned when a user lacks access to a repository.
var ErrUnauthorized = errors.New("user not authorized for repository")

// AccessChecker answers whether a GitHub login can act on a repository.
type AccessChecker interface {
	IsCollaborator(ctx context.Context, repo models.Repository, login string) (bool, error)
}

// Service authorizes users against repositories. It fails closed: any
// error from the access check denies the request.
type Service struct {
	checker AccessChecker
	logger  *slog.Logger
}

// NewService creates a new authorization service.
func NewService(checker AccessChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		checker: checker,
		logger:  logger,
	}
}

// Authorize returns ErrUnauthorized unless the user is a collaborator
// on the repository. A user without a linked GitHub identity is denied.
func (s *Service) Authorize(ctx context.Context, user *models.User, repo models.Repository) error {
	if user == nil || user.GitHubLogin == "" {
		return ErrUnauthorized
	}

	ok, err := s.checker.IsCollaborator(ctx, repo, user.GitHubLogin)
	if err != nil {
		s.logger.Warn("access check failed, denying",
			"user_id", user.ID,
			"repository", repo,
			"error", err,
		)
		return ErrUnauthorized
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}
