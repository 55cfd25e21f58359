// Package stats serves the dashboard summary endpoint.
package stats

import (
	"context"
	"net/http"
	"time"

	"github.com/marketlens/core/pkg/handlers/respond"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
	"github.com/marketlens/core/pkg/scheduler"
)

const recentFailureLimit = 10

// Registry provides job counters.
type Registry interface {
	Stats(ctx context.Context) (api.JobStats, error)
}

// Ledger provides run counters and recent failures.
type Ledger interface {
	Stats(ctx context.Context) (api.RunStats, error)
	RecentFailures(ctx context.Context, limit int) ([]*models.Run, error)
}

// WorkerReporter exposes the queue snapshot.
type WorkerReporter interface {
	Worker() scheduler.WorkerState
}

// Handler handles stats requests
type Handler struct {
	registry Registry
	ledger   Ledger
	worker   WorkerReporter
	logger   *logger.Logger
}

// NewHandler creates a new stats handler
func NewHandler(registry Registry, ledger Ledger, worker WorkerReporter, log *logger.Logger) *Handler {
	return &Handler{
		registry: registry,
		ledger:   ledger,
		worker:   worker,
		logger:   log,
	}
}

// Summary handles GET /api/stats
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	jobStats, err := h.registry.Stats(ctx)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	runStats, err := h.ledger.Stats(ctx)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	failures, err := h.ledger.RecentFailures(ctx, recentFailureLimit)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	briefs := make([]*models.RunBrief, 0, len(failures))
	for _, run := range failures {
		briefs = append(briefs, run.Brief())
	}

	respond.JSON(w, http.StatusOK, api.StatsResponse{
		Jobs:           jobStats,
		Runs:           runStats,
		RecentFailures: briefs,
		QueueDepth:     h.worker.Worker().QueueDepth,
	})
}
