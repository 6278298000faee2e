package models

import "time"

// User is an authorization subject and lock/deployment owner, linked
// to a Slack account and a GitHub identity.
type User struct {
	ID          string `json:"id"`
	SlackUserID string `json:"slack_user_id"`
	GitHubLogin string `json:"github_login,omitempty"`
	// GitHubToken is the token deployments are created with. Empty
	// means the service-level credentials are used.
	GitHubToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
