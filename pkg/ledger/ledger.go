// Package ledger owns the persisted state of runs. Every status
// transition a run makes goes through here, and once a run is terminal
// the ledger is the sole source of truth for its output.
package ledger

import (
	"context"
	"fmt"

	"github.com/marketlens/core/pkg/database"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
)

const runColumns = `r.id, r.job_id, r.status, r.trigger, r.enqueued_at, r.started_at, r.finished_at, r.exit_code, r.stdout, r.stderr, r.duration_seconds, r.records_affected`

// inflightIndex is the partial unique index that enforces single-flight
// per job at the database level.
const inflightIndex = "ux_job_runs_inflight"

// defaultOutputCapBytes is the retained tail of each output stream.
const defaultOutputCapBytes = 100 * 1024

// restartMessage is the synthetic error recorded on orphaned runs.
const restartMessage = "interrupted by restart"

// Ledger records and queries run state.
type Ledger struct {
	db        database.DBTX
	outputCap int
	logger    *logger.Logger
}

// New creates a run ledger. outputCap bounds the stored tail of each
// output stream; zero means the default of 100KB.
func New(db database.DBTX, outputCap int) *Ledger {
	if outputCap <= 0 {
		outputCap = defaultOutputCapBytes
	}
	return &Ledger{
		db:        db,
		outputCap: outputCap,
		logger:    logger.New("run-ledger"),
	}
}

// RecordQueued creates a run in queued state. The partial unique index on
// (job_id) WHERE status IN ('queued','running') makes the dedup check and
// the insert one atomic step: of two concurrent triggers for the same job,
// exactly one insert succeeds and the other gets ErrConflict.
func (l *Ledger) RecordQueued(ctx context.Context, jobID int64, trigger models.TriggerSource) (*models.Run, error) {
	row := l.db.QueryRow(ctx, `
		INSERT INTO job_runs (job_id, status, trigger)
		VALUES ($1, 'queued', $2)
		RETURNING `+bare(runColumns), jobID, string(trigger))

	run, err := scanRun(row)
	if err != nil {
		if database.IsUniqueViolation(err, inflightIndex) {
			return nil, fmt.Errorf("%w: job %d already has a queued or running run", models.ErrConflict, jobID)
		}
		return nil, fmt.Errorf("record queued run for job %d: %w", jobID, err)
	}

	l.logger.Info().
		Str("action", "run_queued").
		Int64("job_id", jobID).
		Int64("run_id", run.ID).
		Str("trigger", string(trigger)).
		Msg("Run queued")

	return run, nil
}

// MarkRunning transitions a queued run to running.
func (l *Ledger) MarkRunning(ctx context.Context, runID int64) error {
	tag, err := l.db.Exec(ctx, `
		UPDATE job_runs SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'queued'`, runID)
	if err != nil {
		return fmt.Errorf("mark run %d running: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: run %d is not queued", models.ErrConflict, runID)
	}
	return nil
}

// AppendOutput appends a chunk to one of the run's output streams,
// keeping only the trailing tail so a chatty script cannot grow a row
// without bound.
func (l *Ledger) AppendOutput(ctx context.Context, runID int64, stream models.OutputStream, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	var query string
	switch stream {
	case models.StreamStdout:
		query = `UPDATE job_runs SET stdout = right(stdout || $2, $3) WHERE id = $1`
	case models.StreamStderr:
		query = `UPDATE job_runs SET stderr = right(stderr || $2, $3) WHERE id = $1`
	default:
		return fmt.Errorf("unknown output stream %q", stream)
	}

	if _, err := l.db.Exec(ctx, query, runID, string(chunk), l.outputCap); err != nil {
		return fmt.Errorf("append %s to run %d: %w", stream, runID, err)
	}
	return nil
}

// MarkTerminal finalizes a run. Terminal runs are immutable, so the
// update only applies while the run is still queued or running; a second
// call is a no-op.
func (l *Ledger) MarkTerminal(ctx context.Context, runID int64, state models.TerminalState) error {
	if !state.Status.Terminal() {
		return fmt.Errorf("status %q is not terminal", state.Status)
	}

	tag, err := l.db.Exec(ctx, `
		UPDATE job_runs
		SET status = $2,
		    finished_at = now(),
		    exit_code = $3,
		    duration_seconds = $4,
		    records_affected = $5
		WHERE id = $1 AND status IN ('queued', 'running')`,
		runID, string(state.Status), state.ExitCode, state.DurationSeconds, state.RecordsAffected)
	if err != nil {
		return fmt.Errorf("mark run %d terminal: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Warn().
			Str("action", "terminal_noop").
			Int64("run_id", runID).
			Msg("Run was already terminal")
		return nil
	}

	l.logger.Info().
		Str("action", "run_terminal").
		Int64("run_id", runID).
		Str("status", string(state.Status)).
		Float64("duration_seconds", state.DurationSeconds).
		Msg("Run finalized")

	return nil
}

// GetRun fetches a single run with its captured output.
func (l *Ledger) GetRun(ctx context.Context, runID int64) (*models.Run, error) {
	row := l.db.QueryRow(ctx, `
		SELECT `+runColumns+`, j.name
		FROM job_runs r JOIN jobs j ON j.id = r.job_id
		WHERE r.id = $1`, runID)

	run, err := scanRunWithName(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: run %d", models.ErrNotFound, runID)
		}
		return nil, fmt.Errorf("get run %d: %w", runID, err)
	}
	return run, nil
}

// ActiveRun returns the non-terminal run for a job, or ErrNotFound.
func (l *Ledger) ActiveRun(ctx context.Context, jobID int64) (*models.Run, error) {
	row := l.db.QueryRow(ctx, `
		SELECT `+bare(runColumns)+`
		FROM job_runs r
		WHERE r.job_id = $1 AND r.status IN ('queued', 'running')`, jobID)

	run, err := scanRun(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: no active run for job %d", models.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("active run for job %d: %w", jobID, err)
	}
	return run, nil
}

// ListRuns returns a job's runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, jobID int64, limit int) ([]*models.Run, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+runColumns+`, j.name
		FROM job_runs r JOIN jobs j ON j.id = r.job_id
		WHERE r.job_id = $1
		ORDER BY r.enqueued_at DESC
		LIMIT $2`, jobID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs for job %d: %w", jobID, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListAllRuns returns recent runs across all jobs, newest first.
func (l *Ledger) ListAllRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+runColumns+`, j.name
		FROM job_runs r JOIN jobs j ON j.id = r.job_id
		ORDER BY r.enqueued_at DESC
		LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecoverOrphans marks runs left queued or running by a previous process
// instance as failed. It must complete before the queue accepts triggers.
// A second call with no orphans is a no-op.
func (l *Ledger) RecoverOrphans(ctx context.Context) (int64, error) {
	tag, err := l.db.Exec(ctx, `
		UPDATE job_runs
		SET status = 'failed',
		    finished_at = now(),
		    stderr = right(stderr || $1, $2)
		WHERE status IN ('queued', 'running')`,
		"\n"+restartMessage+"\n", l.outputCap)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned runs: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		l.logger.Warn().
			Str("action", "orphans_recovered").
			Int64("count", n).
			Msg("Marked orphaned runs as failed")
		return n, nil
	}
	return 0, nil
}

// Stats returns the run counters for the dashboard endpoint.
func (l *Ledger) Stats(ctx context.Context) (api.RunStats, error) {
	var stats api.RunStats
	err := l.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'success'),
		       count(*) FILTER (WHERE status = 'failed')
		FROM job_runs`).Scan(&stats.Total, &stats.Success, &stats.Failed)
	if err != nil {
		return stats, fmt.Errorf("run stats: %w", err)
	}
	return stats, nil
}

// RecentFailures returns the latest failed runs for the dashboard.
func (l *Ledger) RecentFailures(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+runColumns+`, j.name
		FROM job_runs r JOIN jobs j ON j.id = r.job_id
		WHERE r.status = 'failed'
		ORDER BY r.enqueued_at DESC
		LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// LastRun returns a job's most recent run, or ErrNotFound.
func (l *Ledger) LastRun(ctx context.Context, jobID int64) (*models.Run, error) {
	row := l.db.QueryRow(ctx, `
		SELECT `+bare(runColumns)+`
		FROM job_runs r
		WHERE r.job_id = $1
		ORDER BY r.enqueued_at DESC
		LIMIT 1`, jobID)

	run, err := scanRun(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: job %d has no runs", models.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("last run for job %d: %w", jobID, err)
	}
	return run, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// bare strips the "r." qualifiers for use in RETURNING clauses.
func bare(columns string) string {
	out := make([]byte, 0, len(columns))
	for i := 0; i < len(columns); i++ {
		if columns[i] == 'r' && i+1 < len(columns) && columns[i+1] == '.' {
			i++
			continue
		}
		out = append(out, columns[i])
	}
	return string(out)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Status,
		&run.Trigger,
		&run.EnqueuedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ExitCode,
		&run.Stdout,
		&run.Stderr,
		&run.DurationSeconds,
		&run.RecordsAffected,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRunWithName(row rowScanner) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID,
		&run.JobID,
		&run.Status,
		&run.Trigger,
		&run.EnqueuedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ExitCode,
		&run.Stdout,
		&run.Stderr,
		&run.DurationSeconds,
		&run.RecordsAffected,
		&run.JobName,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func collectRuns(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]*models.Run, error) {
	var runs []*models.Run
	for rows.Next() {
		run, err := scanRunWithName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendStderrLine writes a synthetic line (timeout, cancellation) to a
// run's stderr so operators see why it failed.
func (l *Ledger) AppendStderrLine(ctx context.Context, runID int64, message string) error {
	return l.AppendOutput(ctx, runID, models.StreamStderr, []byte(message+"\n"))
}
