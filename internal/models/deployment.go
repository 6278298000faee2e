package models

import "time"

// DeploymentStatus mirrors the external system's deployment status.
type DeploymentStatus string

const (
	DeploymentStatusPending DeploymentStatus = "pending"
	DeploymentStatusSuccess DeploymentStatus = "success"
	DeploymentStatusFailure DeploymentStatus = "failure"
	DeploymentStatusError   DeploymentStatus = "error"
)

// Resolved reports whether the deployment reached a terminal status.
func (s DeploymentStatus) Resolved() bool {
	switch s {
	case DeploymentStatusSuccess, DeploymentStatusFailure, DeploymentStatusError:
		return true
	}
	return false
}

// Deployment is a minimal mirror of a deployment dispatched to the
// external system. The external system stays authoritative for its
// status; this record exists for watchdog scheduling and for giving
// callers "previous deployment" context.
type Deployment struct {
	// ID is the external system's deployment identifier.
	ID          int64            `json:"id"`
	Repository  Repository       `json:"repository"`
	Environment string           `json:"environment"`
	Ref         string           `json:"ref"`
	Sha         string           `json:"sha,omitempty"`
	Status      DeploymentStatus `json:"status"`
	UserID      string           `json:"user_id"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DeploymentRequest is the value object describing one requested
// deployment. It is constructed per orchestration call and never persisted.
type DeploymentRequest struct {
	Repository  Repository `json:"repository"`
	Environment string     `json:"environment"`
	Ref         string     `json:"ref"`
	// Force bypasses the external system's commit status checks.
	Force bool `json:"force"`
}
