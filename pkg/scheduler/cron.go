package scheduler

import (
	"context"
	"time"

	"github.com/marketlens/core/pkg/models"
)

// RunCron is the schedule evaluator loop. Every tick it enqueues the
// active jobs whose cron expression came due since the previous tick.
// Ticks missed while the process was down are not backfilled: the
// baseline starts at process start, so at most one trigger fires per job
// per tick window.
func (s *Scheduler) RunCron(ctx context.Context) error {
	s.logger.Info().
		Str("action", "cron_start").
		Dur("tick_interval", s.tickInterval).
		Msg("Cron evaluator started")

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	lastEval := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().
				Str("action", "cron_stop").
				Msg("Cron evaluator stopped")
			return nil
		case now := <-ticker.C:
			s.evaluate(ctx, lastEval, now)
			lastEval = now
		}
	}
}

// evaluate fires every scheduled job that became due in (lastEval, now].
func (s *Scheduler) evaluate(ctx context.Context, lastEval, now time.Time) {
	jobs, err := s.registry.ListScheduled(ctx)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("action", "cron_list_failed").
			Msg("Failed to load scheduled jobs")
		return
	}

	for _, job := range jobs {
		if !dueBetween(job.CronExpression, lastEval, now) {
			continue
		}
		outcome, err := s.enqueueJob(ctx, job, models.TriggerCron)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("action", "cron_enqueue_failed").
				Str("job_name", job.Name).
				Msg("Failed to enqueue scheduled run")
			continue
		}
		if !outcome.Accepted {
			// Previous run still in flight. Skip the tick; the next due
			// time fires as usual.
			s.logger.Warn().
				Str("action", "cron_skipped").
				Str("job_name", job.Name).
				Int64("run_id", outcome.RunID).
				Msg("Schedule fired while previous run in flight")
		}
	}
}

// dueBetween reports whether the cron expression has a fire time in
// (after, until]. Invalid expressions never fire; the registry rejects
// them on write, so one here means legacy data.
func dueBetween(expr string, after, until time.Time) bool {
	sched, err := models.ParseCron(expr)
	if err != nil {
		return false
	}
	next := sched.Next(after)
	return !next.IsZero() && !next.After(until)
}
