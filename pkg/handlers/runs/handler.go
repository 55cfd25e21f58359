// Package runs serves run history, log snapshots, live log streams and
// cancellation.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marketlens/core/pkg/broadcast"
	"github.com/marketlens/core/pkg/handlers/respond"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/models/api"
)

// Ledger is the slice of the run ledger the handler needs.
type Ledger interface {
	GetRun(ctx context.Context, runID int64) (*models.Run, error)
	ListAllRuns(ctx context.Context, limit int) ([]*models.Run, error)
}

// Streams is the live log source.
type Streams interface {
	Subscribe(runID int64) (<-chan broadcast.Event, func(), bool)
}

// Canceller aborts queued or running runs.
type Canceller interface {
	Cancel(ctx context.Context, runID int64) error
}

// Handler handles run requests
type Handler struct {
	ledger    Ledger
	streams   Streams
	canceller Canceller
	logger    *logger.Logger
}

// NewHandler creates a new runs handler
func NewHandler(ledger Ledger, streams Streams, canceller Canceller, log *logger.Logger) *Handler {
	return &Handler{
		ledger:    ledger,
		streams:   streams,
		canceller: canceller,
		logger:    log,
	}
}

// List handles GET /api/runs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.ledger.ListAllRuns(ctx, limit)
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

// Get handles GET /api/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	run, err := h.ledger.GetRun(ctx, id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, run)
}

// Log handles GET /api/runs/{id}/log: the static snapshot of the
// captured output. This is the fallback for clients that cannot stream.
func (h *Handler) Log(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	run, err := h.ledger.GetRun(ctx, id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	respond.JSON(w, http.StatusOK, api.RunLogResponse{
		RunID:      run.ID,
		JobID:      run.JobID,
		Status:     run.Status,
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
		ExitCode:   run.ExitCode,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	})
}

// Cancel handles POST /api/runs/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	run, err := h.ledger.GetRun(ctx, id)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	if run.Status.Terminal() {
		respond.Error(w, h.logger,
			fmt.Errorf("%w: run %d already finished with status %s", models.ErrConflict, id, run.Status))
		return
	}

	if err := h.canceller.Cancel(ctx, id); err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	h.logger.Info().
		Str("action", "run_cancel_requested").
		Int64("run_id", id).
		Msg("Cancellation requested")

	respond.JSON(w, http.StatusAccepted, api.TriggerResponse{
		Accepted: true,
		RunID:    id,
		Message:  fmt.Sprintf("run %d cancellation requested", id),
	})
}

// Stream handles GET /api/runs/{id}/stream as Server-Sent Events. A
// running job streams live; anything else gets the persisted output
// replayed, so the endpoint is safe to hit at any point in a run's life.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.Error(w, h.logger, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	run, err := h.ledger.GetRun(ctx, id)
	cancel()
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	events, unsubscribe, live := h.streams.Subscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if !live {
		h.replay(w, flusher, run)
		return
	}
	defer unsubscribe()

	h.logger.Debug().
		Str("action", "stream_attached").
		Int64("run_id", id).
		Msg("Live log subscriber attached")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// Producer closed without us seeing the done event
				// (dropped under pressure). Recover the final status
				// from the ledger so the client still gets a done.
				h.finishFromLedger(w, flusher, r, id)
				return
			}
			writeEvent(w, flusher, ev)
			if ev.Type == broadcast.EventDone {
				return
			}
		}
	}
}

// replay emits the persisted output of a non-live run as one burst of
// events. A done event is sent only when the run is terminal; a queued
// run yields an empty stream the client is expected to retry.
func (h *Handler) replay(w http.ResponseWriter, flusher http.Flusher, run *models.Run) {
	now := time.Now()
	if run.Stdout != "" {
		writeEvent(w, flusher, broadcast.Event{Type: broadcast.EventStdout, Data: run.Stdout, Time: now})
	}
	if run.Stderr != "" {
		writeEvent(w, flusher, broadcast.Event{Type: broadcast.EventStderr, Data: run.Stderr, Time: now})
	}
	if run.Status.Terminal() {
		writeEvent(w, flusher, broadcast.Event{Type: broadcast.EventDone, Data: string(run.Status), Time: now})
	}
}

func (h *Handler) finishFromLedger(w http.ResponseWriter, flusher http.Flusher, r *http.Request, runID int64) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	run, err := h.ledger.GetRun(ctx, runID)
	if err != nil || !run.Status.Terminal() {
		return
	}
	writeEvent(w, flusher, broadcast.Event{
		Type: broadcast.EventDone,
		Data: string(run.Status),
		Time: time.Now(),
	})
}

// writeEvent emits one SSE frame: the event name plus the JSON payload.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev broadcast.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	flusher.Flush()
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid run id %q", models.ErrValidation, r.PathValue("id"))
	}
	return id, nil
}
