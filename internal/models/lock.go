package models

import "time"

// Lock is an exclusivity claim on an environment. A lock with a nil
// ReleasedAt is active; at most one lock per environment is active at
// any instant (enforced by the store).
type Lock struct {
	ID            string `json:"id"`
	EnvironmentID string `json:"environment_id"`
	UserID        string `json:"user_id"`
	Message       string `json:"message,omitempty"`
	// Strong locks also exclude their own owner from deploying until
	// an explicit unlock.
	Strong     bool       `json:"strong"`
	CreatedAt  time.Time  `json:"created_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the lock has not been released.
func (l *Lock) Active() bool {
	return l != nil && l.ReleasedAt == nil
}
