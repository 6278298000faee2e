package models

import "time"

// CommitStatusState is the state a single status context reports.
type CommitStatusState string

const (
	CommitStatusSuccess CommitStatusState = "success"
	CommitStatusFailure CommitStatusState = "failure"
	CommitStatusError   CommitStatusState = "error"
	CommitStatusPending CommitStatusState = "pending"
)

// CommitStatus is an external signal reporting the result of a named
// check (CI, security scan) for a commit. It is consumed from webhooks
// and re-fetched from GitHub; this core does not persist it.
type CommitStatus struct {
	Repository Repository        `json:"repository"`
	Sha        string            `json:"sha"`
	Context    string            `json:"context"`
	State      CommitStatusState `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Failed reports whether the context resolved unsuccessfully.
func (s CommitStatusState) Failed() bool {
	return s == CommitStatusFailure || s == CommitStatusError
}
