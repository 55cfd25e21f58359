package models

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Sentinel errors shared across the registry, ledger and scheduler.
var (
	// ErrNotFound indicates the requested job or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed job definition. It is always
	// wrapped with detail about the offending field.
	ErrValidation = errors.New("validation error")

	// ErrConflict indicates a duplicate enqueue or a mutation of a job
	// that currently has a non-terminal run.
	ErrConflict = errors.New("conflict")
)

// Job is a registered data loader job: a named script executed on a cron
// schedule or by manual trigger.
type Job struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	Description    string     `json:"description,omitempty"`
	ScriptPath     string     `json:"script_path"`
	CronExpression string     `json:"cron_expression,omitempty"`
	IsActive       bool       `json:"is_active"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastRun        *RunBrief  `json:"last_run,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	Health         JobHealth  `json:"health,omitempty"`
}

// Timeout returns the configured timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// JobHealth is a coarse rollup of a job's most recent run.
type JobHealth string

const (
	// HealthHealthy - the last run succeeded.
	HealthHealthy JobHealth = "healthy"
	// HealthError - the last run failed.
	HealthError JobHealth = "error"
	// HealthRunning - a run is queued or in progress right now.
	HealthRunning JobHealth = "running"
	// HealthUnknown - the job has never run.
	HealthUnknown JobHealth = "unknown"
)

// HealthFromRun derives a job's health from its most recent run.
func HealthFromRun(last *RunBrief) JobHealth {
	if last == nil {
		return HealthUnknown
	}
	switch last.Status {
	case StatusSuccess:
		return HealthHealthy
	case StatusFailed:
		return HealthError
	default:
		return HealthRunning
	}
}

// JobDefinition is the caller-supplied shape for creating or updating a
// job. Upsert is idempotent by name.
type JobDefinition struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ScriptPath     string `json:"script_path"`
	CronExpression string `json:"cron_expression,omitempty"`
	IsActive       *bool  `json:"is_active,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DefaultTimeoutSeconds applies when a definition omits the timeout.
const DefaultTimeoutSeconds = 300

// cronParser accepts the standard 5-field crontab grammar.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Validate checks a job definition before it reaches the database.
// All failures wrap ErrValidation.
func (d *JobDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := ValidateScriptName(d.ScriptPath); err != nil {
		return err
	}
	if d.CronExpression != "" {
		if _, err := ParseCron(d.CronExpression); err != nil {
			return fmt.Errorf("%w: invalid cron expression %q: %v", ErrValidation, d.CronExpression, err)
		}
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout must be positive, got %d", ErrValidation, d.TimeoutSeconds)
	}
	return nil
}

// ValidateScriptName rejects anything that is not a plain top-level .py
// filename. Nested paths, traversal segments and hidden files are refused
// so a job can never reference a script outside the scripts directory.
func ValidateScriptName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: script path is required", ErrValidation)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: hidden script names are not allowed", ErrValidation)
	}
	if path.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: only top-level script filenames are allowed, got %q", ErrValidation, name)
	}
	if path.Ext(name) != ".py" {
		return fmt.Errorf("%w: script must be a .py file, got %q", ErrValidation, name)
	}
	return nil
}
