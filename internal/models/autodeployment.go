package models

import (
	"fmt"
	"regexp"
	"time"
)

// AutoDeploymentState represents the lifecycle state of an auto-deployment.
type AutoDeploymentState string

const (
	// AutoDeploymentPending waits for commit statuses to converge.
	AutoDeploymentPending AutoDeploymentState = "pending"
	// AutoDeploymentReady has all required contexts successful.
	AutoDeploymentReady AutoDeploymentState = "ready"
	// AutoDeploymentFailed has at least one required context failed.
	AutoDeploymentFailed AutoDeploymentState = "failed"
	// AutoDeploymentDone is terminal. No transition leaves it.
	AutoDeploymentDone AutoDeploymentState = "done"
)

// Abbreviated shas are accepted down to git's minimum of 4 hex digits.
var shaPattern = regexp.MustCompile(`^[0-9a-f]{4,40}$`)

// AutoDeployment is a request to deploy a specific commit to an
// environment once its required commit status contexts succeed.
//
// Validation failures populate Errs instead of returning an error;
// callers must check Valid before branching on State.
type AutoDeployment struct {
	ID            string              `json:"id"`
	EnvironmentID string              `json:"environment_id"`
	Sha           string              `json:"sha"`
	UserID        string              `json:"user_id"`
	State         AutoDeploymentState `json:"state"`
	Errs          []string            `json:"errors,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NewAutoDeployment builds an AutoDeployment value, recording
// validation problems on the value itself.
func NewAutoDeployment(environmentID, sha, userID string) *AutoDeployment {
	ad := &AutoDeployment{
		EnvironmentID: environmentID,
		Sha:           sha,
		UserID:        userID,
		State:         AutoDeploymentPending,
	}
	if environmentID == "" {
		ad.Errs = append(ad.Errs, "environment is required")
	}
	if !shaPattern.MatchString(sha) {
		ad.Errs = append(ad.Errs, fmt.Sprintf("invalid sha %q", sha))
	}
	if userID == "" {
		ad.Errs = append(ad.Errs, "user is required")
	}
	return ad
}

// Valid reports whether the auto-deployment passed validation.
func (ad *AutoDeployment) Valid() bool {
	return len(ad.Errs) == 0
}

// Active reports whether the auto-deployment still reacts to status events.
func (ad *AutoDeployment) Active() bool {
	return ad.State != AutoDeploymentDone
}
