package registry

import (
	"context"
	"fmt"

	"github.com/marketlens/core/pkg/database"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
	"github.com/marketlens/core/pkg/utils"
)

const jobColumns = `id, name, slug, description, script_path, cron_expression, is_active, timeout_seconds, created_at, updated_at`

// Registry holds the durable job definitions.
type Registry struct {
	db     database.DBTX
	logger *logger.Logger
}

// New creates a job registry
func New(db database.DBTX) *Registry {
	return &Registry{
		db:     db,
		logger: logger.New("job-registry"),
	}
}

// Upsert creates or updates a job by name. It never duplicates: an
// existing name has its mutable fields replaced, everything else is
// untouched. The definition is validated before any write.
func (r *Registry) Upsert(ctx context.Context, def *models.JobDefinition) (*models.Job, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	timeout := def.TimeoutSeconds
	if timeout == 0 {
		timeout = models.DefaultTimeoutSeconds
	}
	active := true
	if def.IsActive != nil {
		active = *def.IsActive
	}

	query := `
		INSERT INTO jobs (name, slug, description, script_path, cron_expression, is_active, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			script_path = EXCLUDED.script_path,
			cron_expression = EXCLUDED.cron_expression,
			is_active = EXCLUDED.is_active,
			timeout_seconds = EXCLUDED.timeout_seconds,
			updated_at = now()
		RETURNING ` + jobColumns

	row := r.db.QueryRow(ctx, query,
		def.Name,
		utils.GenerateJobSlug(def.Name),
		def.Description,
		def.ScriptPath,
		def.CronExpression,
		active,
		timeout,
	)

	job, err := scanJob(row)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			// Distinct name collapsing to an existing slug.
			return nil, fmt.Errorf("%w: a job with an equivalent name already exists", models.ErrConflict)
		}
		return nil, fmt.Errorf("upsert job %q: %w", def.Name, err)
	}

	r.logger.Info().
		Str("action", "job_upserted").
		Str("job_name", job.Name).
		Int64("job_id", job.ID).
		Str("cron", job.CronExpression).
		Msg("Job definition stored")

	return job, nil
}

// Get fetches a job by id.
func (r *Registry) Get(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: job %d", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// GetByName resolves a job by exact case-insensitive name, then by slug.
func (r *Registry) GetByName(ctx context.Context, name string) (*models.Job, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE lower(name) = lower($1) OR slug = $2 LIMIT 1`,
		name, utils.GenerateJobSlug(name))
	job, err := scanJob(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, fmt.Errorf("%w: job %q", models.ErrNotFound, name)
		}
		return nil, fmt.Errorf("get job %q: %w", name, err)
	}
	return job, nil
}

// List returns all jobs ordered by id.
func (r *Registry) List(ctx context.Context) ([]*models.Job, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListScheduled returns active jobs that carry a cron expression. The
// cron evaluator reads this on every tick.
func (r *Registry) ListScheduled(ctx context.Context) ([]*models.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE is_active AND cron_expression <> '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetActive flips the active flag. Inactive jobs are never cron-fired
// but can still be triggered manually.
func (r *Registry) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set job %d active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %d", models.ErrNotFound, id)
	}
	return nil
}

// Delete removes a job and its terminal run history. A job with a
// queued or running run cannot be deleted; the guard and the delete are
// one statement so a concurrent trigger cannot slip in between.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM job_runs
			WHERE job_id = $1 AND status IN ('queued', 'running')
		  )`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Info().
			Str("action", "job_deleted").
			Int64("job_id", id).
			Msg("Job deleted")
		return nil
	}

	// Nothing deleted: either the job is gone or it has an in-flight run.
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d has a queued or running run", models.ErrConflict, id)
}

// Stats returns the job counters for the dashboard endpoint.
func (r *Registry) Stats(ctx context.Context) (api.JobStats, error) {
	var stats api.JobStats
	err := r.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE j.is_active),
		       count(*) FILTER (WHERE last.status = 'success'),
		       count(*) FILTER (WHERE last.status = 'failed')
		FROM jobs j
		LEFT JOIN LATERAL (
			SELECT status
			FROM job_runs
			WHERE job_id = j.id AND status IN ('success', 'failed')
			ORDER BY enqueued_at DESC
			LIMIT 1
		) last ON true`).Scan(&stats.Total, &stats.Active, &stats.Healthy, &stats.Errored)
	if err != nil {
		return stats, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Slug,
		&job.Description,
		&job.ScriptPath,
		&job.CronExpression,
		&job.IsActive,
		&job.TimeoutSeconds,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
