package health

import (
	"context"
	"net/http"
	"time"

	"github.com/marketlens/core/pkg/handlers/respond"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models/api"
	"github.com/marketlens/core/pkg/scheduler"
)

// Pinger is the database liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerReporter exposes the queue snapshot for the rollup.
type WorkerReporter interface {
	Worker() scheduler.WorkerState
}

// Handler handles health check requests
type Handler struct {
	db     Pinger
	worker WorkerReporter
	logger *logger.Logger
}

// NewHandler creates a new health handler
func NewHandler(db Pinger, worker WorkerReporter, log *logger.Logger) *Handler {
	return &Handler{
		db:     db,
		worker: worker,
		logger: log,
	}
}

// HealthCheck handles the /health endpoint. Status degrades when the
// database is unreachable; the queue snapshot rides along either way.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
	}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "health_db_ping_failed").
			Msg("Database ping failed")
		response.Status = "degraded"
		response.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	state := h.worker.Worker()
	response.WorkerBusy = state.Busy
	response.QueueDepth = state.QueueDepth

	respond.JSON(w, status, response)

	h.logger.Debug().
		Str("action", "health_check").
		Str("endpoint", "/health").
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Int("status_code", status).
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
}
