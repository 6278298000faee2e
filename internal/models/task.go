package models

import "time"

// TaskKind identifies a watchdog task type.
type TaskKind string

const (
	// TaskLockNag reminds a lock owner their lock is still held.
	TaskLockNag TaskKind = "lock_nag"
	// TaskAutoDeployCheck re-evaluates a pending auto-deployment.
	TaskAutoDeployCheck TaskKind = "autodeploy_check"
	// TaskDeploymentCheck reconciles a dispatched external deployment.
	TaskDeploymentCheck TaskKind = "deployment_check"
)

// Task is one delayed watchdog item. Delivery is at-least-once; task
// bodies must be idempotent.
type Task struct {
	ID   string   `json:"id"`
	Kind TaskKind `json:"kind"`
	// EntityID names the supervised entity: a lock ID, an
	// auto-deployment ID, or an external deployment ID.
	EntityID  string    `json:"entity_id"`
	Attempts  int       `json:"attempts"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
}
