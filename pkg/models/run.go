package models

import "time"

// RunStatus is the lifecycle state of a run. Transitions are monotonic:
// queued -> running -> success|failed.
type RunStatus string

const (
	StatusQueued  RunStatus = "queued"
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TriggerSource records what requested a run.
type TriggerSource string

const (
	TriggerCron   TriggerSource = "cron"
	TriggerManual TriggerSource = "manual"
)

// OutputStream identifies one of the two captured process streams.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// Run is one execution attempt of a job. Terminal runs are immutable.
type Run struct {
	ID              int64         `json:"id"`
	JobID           int64         `json:"job_id"`
	JobName         string        `json:"job_name,omitempty"`
	Status          RunStatus     `json:"status"`
	Trigger         TriggerSource `json:"trigger"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Stdout          string        `json:"stdout,omitempty"`
	Stderr          string        `json:"stderr,omitempty"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	RecordsAffected *int64        `json:"records_affected,omitempty"`
}

// Brief returns the compact listing form of the run.
func (r *Run) Brief() *RunBrief {
	return &RunBrief{
		ID:              r.ID,
		JobID:           r.JobID,
		JobName:         r.JobName,
		Status:          r.Status,
		Trigger:         r.Trigger,
		EnqueuedAt:      r.EnqueuedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		ExitCode:        r.ExitCode,
		DurationSeconds: r.DurationSeconds,
		RecordsAffected: r.RecordsAffected,
		HasStderr:       len(r.Stderr) > 0,
	}
}

// RunBrief is a run without its captured output, used in listings.
type RunBrief struct {
	ID              int64         `json:"id"`
	JobID           int64         `json:"job_id"`
	JobName         string        `json:"job_name,omitempty"`
	Status          RunStatus     `json:"status"`
	Trigger         TriggerSource `json:"trigger"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	RecordsAffected *int64        `json:"records_affected,omitempty"`
	HasStderr       bool          `json:"has_stderr"`
}

// Exit code values used when no real process exit code exists.
const (
	// ExitTimeout marks a run that was killed at its deadline.
	ExitTimeout = -1
	// ExitSpawnFailure marks a run whose process never started.
	ExitSpawnFailure = -2
	// ExitCancelled marks a run cancelled by an operator.
	ExitCancelled = -3
)

// TerminalState carries the final outcome handed to the ledger.
type TerminalState struct {
	Status          RunStatus
	ExitCode        *int
	DurationSeconds float64
	RecordsAffected *int64
}
