package models

import "time"

// RunStatus is the lifecycle state of a validation run.
// Allowed transitions: running -> completed, running -> failed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// ValidationRun is one execution of the validator over a playlist.
type ValidationRun struct {
	ID                int64      `json:"id,omitempty"`
	PlaylistID        *int64     `json:"playlist_id,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Status            RunStatus  `json:"status"`
	TotalChannels     int        `json:"total_channels"`
	WorkingChannels   int        `json:"working_channels"`
	FailedChannels    int        `json:"failed_channels"`
	RemovedChannels   int        `json:"removed_channels"`
	DuplicatesRemoved int        `json:"duplicates_removed"`
	Message           string     `json:"message,omitempty"`
	ErrorDetails      string     `json:"error_details,omitempty"`
}

// ValidationOutcome is the recorded result for one channel within one run.
type ValidationOutcome struct {
	ID           int64         `json:"id,omitempty"`
	RunID        int64         `json:"run_id"`
	ChannelID    int64         `json:"channel_id"`
	Working      bool          `json:"working"`
	ResponseTime time.Duration `json:"response_time"`
	StatusCode   *int          `json:"status_code,omitempty"`
	Error        *string       `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}
