package api

import (
	"time"

	"github.com/marketlens/core/pkg/models"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Database   string    `json:"database"`
	WorkerBusy bool      `json:"worker_busy"`
	QueueDepth int       `json:"queue_depth"`
}

// TriggerResponse is the outcome of a manual trigger request. A duplicate
// trigger is a normal outcome (Accepted=false), not an error.
type TriggerResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    int64  `json:"run_id,omitempty"`
	Message  string `json:"message"`
}

// JobsResponse wraps a job listing.
type JobsResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
}

// RunsResponse wraps a run listing.
type RunsResponse struct {
	Runs  []*models.RunBrief `json:"runs"`
	Count int                `json:"count"`
}

// RunLogResponse is the static snapshot of a run's captured output. It is
// the fallback contract for clients that cannot hold a live stream.
type RunLogResponse struct {
	RunID      int64            `json:"run_id"`
	JobID      int64            `json:"job_id"`
	Status     models.RunStatus `json:"status"`
	Stdout     string           `json:"stdout"`
	Stderr     string           `json:"stderr"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// ScriptInfo describes one uploadable loader script.
type ScriptInfo struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ScriptsResponse wraps a script listing.
type ScriptsResponse struct {
	Scripts []ScriptInfo `json:"scripts"`
}

// ScriptUploadRequest is the body of a script upload.
type ScriptUploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ScriptContentResponse carries one script's source.
type ScriptContentResponse struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// StatsResponse is the dashboard summary.
type StatsResponse struct {
	Jobs           JobStats           `json:"jobs"`
	Runs           RunStats           `json:"runs"`
	RecentFailures []*models.RunBrief `json:"recent_failures"`
	QueueDepth     int                `json:"queue_depth"`
}

// JobStats summarizes the registry. Healthy and Errored count jobs by
// the outcome of their most recent terminal run.
type JobStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Healthy int64 `json:"healthy"`
	Errored int64 `json:"errored"`
}

// RunStats summarizes the ledger.
type RunStats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
