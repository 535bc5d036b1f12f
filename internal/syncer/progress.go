package syncer

import (
	"time"
)

// State represents the engine state machine
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateExhausted State = "exhausted"
	StateFailed    State = "failed"
)

// Progress is a point-in-time snapshot of a sync run. Snapshots are
// published as whole records, so readers never observe a partially
// updated state.
type Progress struct {
	RunID                  string        `json:"run_id,omitempty"`
	State                  State         `json:"state"`
	IsRunning              bool          `json:"is_running"`
	TotalJobs              int           `json:"total_jobs"`
	ProcessedJobs          int           `json:"processed_jobs"`
	SuccessfulJobs         int           `json:"successful_jobs"`
	FailedJobs             int           `json:"failed_jobs"`
	SkippedJobs            int           `json:"skipped_jobs"`
	CurrentJob             string        `json:"current_job,omitempty"`
	CurrentBatch           int           `json:"current_batch"`
	TotalBatches           int           `json:"total_batches"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	StartTime              time.Time     `json:"start_time,omitempty"`
	EndTime                time.Time     `json:"end_time,omitempty"`
	LastError              string        `json:"last_error,omitempty"`
	LastErrorTime          time.Time     `json:"last_error_time,omitempty"`
	LastUpdated            time.Time     `json:"last_updated"`
}
