package models

import "time"

// JobStatus is the lifecycle state of an erase job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not change without operator action.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// EraseJob is the handle of an asynchronous secure-erase task. Only the
// erase worker changes Status after creation.
type EraseJob struct {
	ID         string
	TargetPath string
	Status     JobStatus
	Attempts   int
	// Error holds the last failure message, empty unless Status is failed.
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
