// Package transfer runs dataset uploads in the background on a bounded
// worker pool and tracks them for status queries.
package transfer

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the dispatcher's view of a background upload. The dataset
// version state held by the control plane remains authoritative.
type JobState string

const (
	JobQueued    JobState = "queued"    // Waiting for a worker
	JobRunning   JobState = "running"   // Pipeline executing
	JobCompleted JobState = "completed" // Dataset version is ACTIVE
	JobFailed    JobState = "failed"    // Pipeline returned an error
)

// Finished reports whether s is terminal.
func (s JobState) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a snapshot of one background upload.
type Job struct {
	ID               string    `json:"job_id"`
	DatasetVersionID string    `json:"dataset_version_id"`
	State            JobState  `json:"state"`
	Stage            string    `json:"stage,omitempty"`
	Error            string    `json:"error,omitempty"`
	Files            int       `json:"files"`
	Bytes            int64     `json:"bytes"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
}

func newJobID() string {
	return uuid.NewString()
}
