// Package jobs serves the job registry endpoints and the manual trigger.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marketlens/core/pkg/handlers/respond"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
	"github.com/marketlens/core/pkg/scheduler"
)

// Registry is the slice of the job registry the handler needs.
type Registry interface {
	Upsert(ctx context.Context, def *models.JobDefinition) (*models.Job, error)
	Get(ctx context.Context, id int64) (*models.Job, error)
	List(ctx context.Context) ([]*models.Job, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

// Ledger is the slice of the run ledger the handler needs.
type Ledger interface {
	ListRuns(ctx context.Context, jobID int64, limit int) ([]*models.Run, error)
	LastRun(ctx context.Context, jobID int64) (*models.Run, error)
}

// Queue accepts manual triggers.
type Queue interface {
	Enqueue(ctx context.Context, jobID int64, trigger models.TriggerSource) (scheduler.Outcome, error)
}

// Handler handles job registry requests
type Handler struct {
	registry Registry
	ledger   Ledger
	queue    Queue
	logger   *logger.Logger
}

// NewHandler creates a new jobs handler
func NewHandler(registry Registry, ledger Ledger, queue Queue, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		ledger:   ledger,
		queue:    queue,
		logger:   log,
	}
}

// List handles GET /api/jobs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	jobs, err := h.registry.List(ctx)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	for _, job := range jobs {
		h.enrich(ctx, job)
	}

	h.logger.Debug().
		Str("action", "jobs_response").
		Int("count", len(jobs)).
		Msg("Returning job list")

	respond.JSON(w, http.StatusOK, api.JobsResponse{Jobs: jobs, Count: len(jobs)})
}

// Get handles GET /api/jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	job, err := h.registry.Get(ctx, id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.enrich(ctx, job)

	respond.JSON(w, http.StatusOK, job)
}

// Upsert handles POST /api/jobs. Reposting the same name updates the
// existing job instead of duplicating it.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var def models.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respond.Error(w, h.logger, fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err))
		return
	}

	job, err := h.registry.Upsert(ctx, &def)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.enrich(ctx, job)

	respond.JSON(w, http.StatusOK, job)
}

// SetActive handles PATCH /api/jobs/{id}
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IsActive == nil {
		respond.Error(w, h.logger, fmt.Errorf("%w: body must carry is_active", models.ErrValidation))
		return
	}

	if err := h.registry.SetActive(ctx, id, *body.IsActive); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	job, err := h.registry.Get(ctx, id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.enrich(ctx, job)

	respond.JSON(w, http.StatusOK, job)
}

// Delete handles DELETE /api/jobs/{id}. A job with a queued or running
// run is not deletable; cancel or wait first.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	if err := h.registry.Delete(ctx, id); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Trigger handles POST /api/jobs/{id}/run. A duplicate trigger is a 200
// with accepted=false, never an error: callers poll the returned run id
// either way.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	outcome, err := h.queue.Enqueue(ctx, id, models.TriggerManual)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	status := http.StatusAccepted
	if !outcome.Accepted {
		status = http.StatusOK
	}
	respond.JSON(w, status, api.TriggerResponse{
		Accepted: outcome.Accepted,
		RunID:    outcome.RunID,
		Message:  outcome.Message,
	})
}

// Runs handles GET /api/jobs/{id}/runs
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	// Listing the runs of an unknown job is a 404, not an empty list.
	if _, err := h.registry.Get(ctx, id); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.ledger.ListRuns(ctx, id, limit)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	briefs := make([]*models.RunBrief, 0, len(runs))
	for _, run := range runs {
		briefs = append(briefs, run.Brief())
	}
	respond.JSON(w, http.StatusOK, api.RunsResponse{Runs: briefs, Count: len(briefs)})
}

// enrich attaches last-run and next-fire-time to a job. Both are
// best-effort decoration; a lookup failure leaves the field empty.
func (h *Handler) enrich(ctx context.Context, job *models.Job) {
	if last, err := h.ledger.LastRun(ctx, job.ID); err == nil {
		job.LastRun = last.Brief()
	} else if !errors.Is(err, models.ErrNotFound) {
		h.logger.Warn().
			Err(err).
			Str("job_name", job.Name).
			Str("action", "last_run_lookup_failed").
			Msg("Failed to load last run")
	}
	job.Health = models.HealthFromRun(job.LastRun)

	if job.IsActive && job.CronExpression != "" {
		if sched, err := models.ParseCron(job.CronExpression); err == nil {
			next := sched.Next(time.Now())
			job.NextRun = &next
		}
	}
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid job id %q", models.ErrValidation, r.PathValue("id"))
	}
	return id, nil
}
