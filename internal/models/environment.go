package models

import "time"

// Environment is a named deployment target within a repository.
type Environment struct {
	ID         string     `json:"id"`
	Repository Repository `json:"repository"`
	Name       string     `json:"name"`
	// AutoDeploy marks the environment as owned by continuous delivery.
	// Manual deploys are rejected unless explicitly overridden.
	AutoDeploy bool `json:"auto_deploy"`
	// DefaultRef is deployed when a request does not name a ref.
	DefaultRef string `json:"default_ref"`
	// RequiredContexts overrides the commit status contexts that must
	// succeed before an auto-deployment becomes ready. Empty means the
	// contexts are taken from branch protection.
	RequiredContexts []string  `json:"required_contexts,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultEnvironmentRef is used when an environment has no configured ref.
const DefaultEnvironmentRef = "main"

// Ref returns the environment's default ref, falling back to DefaultEnvironmentRef.
func (e *Environment) Ref() string {
	if e.DefaultRef != "" {
		return e.DefaultRef
	}
	return DefaultEnvironmentRef
}
