// Package scheduler owns the run queue: it accepts triggers, deduplicates
// them against in-flight work, and executes at most one job at a time in
// FIFO order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
)

// Ledger is the slice of the run ledger the queue needs.
type Ledger interface {
	RecordQueued(ctx context.Context, jobID int64, trigger models.TriggerSource) (*models.Run, error)
	MarkRunning(ctx context.Context, runID int64) error
	MarkTerminal(ctx context.Context, runID int64, state models.TerminalState) error
	AppendStderrLine(ctx context.Context, runID int64, message string) error
	ActiveRun(ctx context.Context, jobID int64) (*models.Run, error)
}

// Registry is the slice of the job registry the queue needs.
type Registry interface {
	Get(ctx context.Context, id int64) (*models.Job, error)
	ListScheduled(ctx context.Context) ([]*models.Job, error)
}

// Runner executes one run to completion. It never returns an error;
// every failure mode is folded into the terminal state.
type Runner interface {
	Execute(ctx context.Context, job *models.Job, runID int64) models.TerminalState
}

// Broadcaster is the live-stream lifecycle the queue drives.
type Broadcaster interface {
	Open(runID int64)
	Close(runID int64, finalStatus models.RunStatus)
}

// Outcome is the result of a trigger. A rejected duplicate is a normal
// outcome carrying the id of the run that is already in flight.
type Outcome struct {
	Accepted bool   `json:"accepted"`
	RunID    int64  `json:"run_id"`
	Message  string `json:"message"`
}

// WorkerState describes what the single worker is doing.
type WorkerState struct {
	Busy         bool  `json:"busy"`
	CurrentRunID int64 `json:"current_run_id,omitempty"`
	CurrentJobID int64 `json:"current_job_id,omitempty"`
	QueueDepth   int   `json:"queue_depth"`
}

type pendingRun struct {
	job     *models.Job
	runID   int64
	trigger models.TriggerSource
}

type activeRun struct {
	job    *models.Job
	runID  int64
	cancel context.CancelFunc
}

// Scheduler is the single-worker execution queue. The mutex guards the
// FIFO, the in-flight index and the worker state; it is the one
// synchronization point between trigger acceptance, cron evaluation and
// the worker loop.
type Scheduler struct {
	mu       sync.Mutex
	fifo     []*pendingRun
	inflight map[int64]int64 // job id -> run id, for pending and active runs
	active   *activeRun

	wake chan struct{}

	registry Registry
	ledger   Ledger
	runner   Runner
	bcast    Broadcaster
	logger   *logger.Logger

	tickInterval time.Duration
}

// New creates a scheduler. Call Run and RunCron to start its loops.
func New(registry Registry, ledger Ledger, runner Runner, bcast Broadcaster, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &Scheduler{
		fifo:         make([]*pendingRun, 0),
		inflight:     make(map[int64]int64),
		wake:         make(chan struct{}, 1),
		registry:     registry,
		ledger:       ledger,
		runner:       runner,
		bcast:        bcast,
		logger:       logger.New("scheduler"),
		tickInterval: tickInterval,
	}
}

// Enqueue accepts a trigger for a job. If the job already has a queued or
// running run the trigger is reported as a duplicate, no new run is
// created, and the existing run id is returned.
func (s *Scheduler) Enqueue(ctx context.Context, jobID int64, trigger models.TriggerSource) (Outcome, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	return s.enqueueJob(ctx, job, trigger)
}

func (s *Scheduler) enqueueJob(ctx context.Context, job *models.Job, trigger models.TriggerSource) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The dedup check and the ledger insert happen under one lock so two
	// concurrent triggers cannot both pass the check. The partial unique
	// index in the ledger backstops this across process restarts.
	if runID, ok := s.inflight[job.ID]; ok {
		s.logger.Debug().
			Str("action", "enqueue_duplicate").
			Str("job_name", job.Name).
			Int64("run_id", runID).
			Str("trigger", string(trigger)).
			Msg("Trigger rejected, run already in flight")
		return Outcome{
			Accepted: false,
			RunID:    runID,
			Message:  fmt.Sprintf("job %q is already queued or running (run %d)", job.Name, runID),
		}, nil
	}

	run, err := s.ledger.RecordQueued(ctx, job.ID, trigger)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			// A non-terminal run exists in the ledger that this process
			// does not track. Report it as the duplicate.
			if existing, lookupErr := s.ledger.ActiveRun(ctx, job.ID); lookupErr == nil {
				return Outcome{
					Accepted: false,
					RunID:    existing.ID,
					Message:  fmt.Sprintf("job %q is already queued or running (run %d)", job.Name, existing.ID),
				}, nil
			}
		}
		return Outcome{}, err
	}

	s.fifo = append(s.fifo, &pendingRun{job: job, runID: run.ID, trigger: trigger})
	s.inflight[job.ID] = run.ID

	s.logger.Info().
		Str("action", "enqueued").
		Str("job_name", job.Name).
		Int64("run_id", run.ID).
		Str("trigger", string(trigger)).
		Int("queue_depth", len(s.fifo)).
		Msg("Run accepted")

	s.signal()

	return Outcome{
		Accepted: true,
		RunID:    run.ID,
		Message:  fmt.Sprintf("job %q queued (run %d)", job.Name, run.ID),
	}, nil
}

// Run is the worker loop. It pops the FIFO head whenever the worker is
// idle and work is pending, executing one run at a time until the context
// is cancelled. The in-flight run is allowed to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Str("action", "worker_start").
		Msg("Execution worker started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().
				Str("action", "worker_stop").
				Msg("Execution worker stopped")
			return nil
		case <-s.wake:
		}

		// Drain: no idle gap between runs while work is pending.
		for {
			next, runCtx := s.pop(ctx)
			if next == nil {
				break
			}
			s.executeOne(ctx, runCtx, next)
		}
	}
}

// pop removes the FIFO head and marks the worker busy, or returns nil if
// the queue is empty. The run context and its cancel func are created
// under the same lock so Cancel can always reach an active run.
func (s *Scheduler) pop(ctx context.Context) (*pendingRun, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fifo) == 0 {
		return nil, nil
	}
	next := s.fifo[0]
	s.fifo = s.fifo[1:]

	runCtx, cancel := context.WithCancel(ctx)
	s.active = &activeRun{job: next.job, runID: next.runID, cancel: cancel}
	return next, runCtx
}

// executeOne drives a single run through running to terminal state. No
// failure in here may escape: the worker must always become idle again.
func (s *Scheduler) executeOne(ctx context.Context, runCtx context.Context, p *pendingRun) {
	traceID := uuid.New().String()
	log := s.logger.WithRequestID(traceID).WithJob(p.job.Name).WithRun(p.runID)

	// Ledger writes are detached from the worker context: on shutdown the
	// drained run's terminal state must still land after ctx is cancelled.
	ledgerCtx := context.WithoutCancel(ctx)

	if err := s.ledger.MarkRunning(ledgerCtx, p.runID); err != nil {
		// The run was finalized behind our back (e.g. cancelled between
		// pop and here). Skip it; the ledger state stands.
		log.Warn().
			Err(err).
			Str("action", "mark_running_failed").
			Msg("Run not started, skipping")
		s.release(p.job.ID)
		return
	}

	s.bcast.Open(p.runID)
	log.LogRunStart(p.job.Name, p.runID, string(p.trigger))

	start := time.Now()
	state := s.runner.Execute(runCtx, p.job, p.runID)

	// Free the job for new triggers before the terminal write. The ledger
	// still holds the running row until MarkTerminal commits, so a trigger
	// racing this window deduplicates against live ledger state, never
	// against a stale in-memory entry.
	s.release(p.job.ID)

	if err := s.ledger.MarkTerminal(ledgerCtx, p.runID, state); err != nil {
		log.Error().
			Err(err).
			Str("action", "mark_terminal_failed").
			Msg("Failed to finalize run in ledger")
	}
	s.bcast.Close(p.runID, state.Status)

	var records int64
	if state.RecordsAffected != nil {
		records = *state.RecordsAffected
	}
	log.LogRunComplete(p.job.Name, p.runID, string(state.Status), time.Since(start), records)
}

// release clears the worker slot and the job's in-flight entry.
func (s *Scheduler) release(jobID int64) {
	s.mu.Lock()
	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}
	delete(s.inflight, jobID)
	s.mu.Unlock()
}

// Cancel aborts a run. A pending run is removed from the FIFO and
// finalized as failed; an active run gets the same forced-termination
// path as a timeout. Terminal runs return ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, runID int64) error {
	s.mu.Lock()

	if s.active != nil && s.active.runID == runID {
		cancel := s.active.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.logger.Info().
			Str("action", "cancel_active").
			Int64("run_id", runID).
			Msg("Cancelling active run")
		return nil
	}

	for i, p := range s.fifo {
		if p.runID != runID {
			continue
		}
		s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
		delete(s.inflight, p.job.ID)
		s.mu.Unlock()

		if err := s.ledger.AppendStderrLine(ctx, runID, "cancelled"); err != nil {
			s.logger.Error().
				Err(err).
				Int64("run_id", runID).
				Str("action", "cancel_note_failed").
				Msg("Failed to record cancellation note")
		}
		exitCode := models.ExitCancelled
		if err := s.ledger.MarkTerminal(ctx, runID, models.TerminalState{
			Status:   models.StatusFailed,
			ExitCode: &exitCode,
		}); err != nil {
			return fmt.Errorf("finalize cancelled run %d: %w", runID, err)
		}
		s.logger.Info().
			Str("action", "cancel_pending").
			Int64("run_id", runID).
			Msg("Cancelled pending run")
		return nil
	}

	s.mu.Unlock()
	return fmt.Errorf("%w: run %d is not queued or running", models.ErrNotFound, runID)
}

// Worker returns a snapshot of the worker state and queue depth.
func (s *Scheduler) Worker() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := WorkerState{QueueDepth: len(s.fifo)}
	if s.active != nil {
		state.Busy = true
		state.CurrentRunID = s.active.runID
		state.CurrentJobID = s.active.job.ID
	}
	return state
}

// signal wakes the worker loop. The channel has capacity one: a pending
// wake already covers any number of queued runs because Run drains.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
