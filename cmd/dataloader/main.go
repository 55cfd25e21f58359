package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketlens/core/internal/config"
	"github.com/marketlens/core/pkg/broadcast"
	"github.com/marketlens/core/pkg/database/migrations"
	"github.com/marketlens/core/pkg/database/pool"
	"github.com/marketlens/core/pkg/ledger"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/registry"
	"github.com/marketlens/core/pkg/runner"
	"github.com/marketlens/core/pkg/scheduler"
	"github.com/marketlens/core/pkg/scripts"
	"github.com/marketlens/core/pkg/server"
)

// singletonLockName keys the advisory lock that keeps one dataloader
// instance per database.
const singletonLockName = "marketlens-dataloader"

func main() {
	var (
		jobName = flag.String("job", "", "Run a specific job once and exit")
		once    = flag.Bool("once", false, "Run the named job once and exit")
	)
	flag.Parse()

	logger.SetupLogger()
	log := logger.New("dataloader")

	cfg := config.Load()

	if err := migrations.Run(cfg.DatabaseURL()); err != nil {
		log.Fatal().
			Err(err).
			Str("action", "migrations_failed").
			Msg("Failed to apply database migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pool.New(ctx, cfg.DatabaseURL(), nil)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "db_connect_failed").
			Msg("Failed to connect to database")
	}
	defer db.Close()

	guard := scheduler.NewSingletonGuard(db, singletonLockName)
	acquired, err := guard.Acquire(ctx)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "singleton_lock_failed").
			Msg("Failed to acquire instance lock")
	}
	if !acquired {
		log.Fatal().
			Str("action", "singleton_lock_held").
			Msg("Another dataloader instance holds the lock, refusing to start")
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = guard.Release(releaseCtx)
	}()

	store, err := scripts.New(cfg.Scripts.Dir)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "scripts_dir_failed").
			Msg("Failed to prepare scripts directory")
	}

	jobRegistry := registry.New(db)
	runLedger := ledger.New(db, cfg.Scheduler.OutputCapBytes)
	streams := broadcast.New()
	procRunner := runner.New(store, cfg.Scheduler.Interpreter, runLedger, streams)

	// Runs left behind by a previous instance must be failed before the
	// queue starts accepting new triggers.
	recovered, err := runLedger.RecoverOrphans(ctx)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("action", "orphan_recovery_failed").
			Msg("Failed to recover orphaned runs")
	}
	if recovered > 0 {
		log.Warn().
			Int64("count", recovered).
			Str("action", "orphans_recovered").
			Msg("Recovered runs orphaned by previous instance")
	}

	sched := scheduler.New(jobRegistry, runLedger, procRunner, streams, cfg.Scheduler.TickInterval)

	if *once && *jobName != "" {
		runOnce(ctx, log, jobRegistry, runLedger, procRunner, *jobName)
		return
	}

	srv := server.New(cfg, server.Deps{
		Pool:      db,
		Registry:  jobRegistry,
		Ledger:    runLedger,
		Scheduler: sched,
		Streams:   streams,
		Scripts:   store,
	}, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return sched.RunCron(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })

	log.Info().
		Str("action", "dataloader_started").
		Msg("Dataloader started")

	if err := group.Wait(); err != nil {
		log.Fatal().
			Err(err).
			Str("action", "dataloader_failed").
			Msg("Dataloader exited with error")
	}

	log.Info().
		Str("action", "dataloader_stopped").
		Msg("Dataloader stopped")
}

// runOnce executes one job synchronously, bypassing the queue. Used for
// ad-hoc loads and cron-style supervision from the shell.
func runOnce(ctx context.Context, log *logger.Logger, jobRegistry *registry.Registry, runLedger *ledger.Ledger, procRunner *runner.ProcessRunner, name string) {
	job, err := jobRegistry.GetByName(ctx, name)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("job_name", name).
			Str("action", "job_lookup_failed").
			Msg("Unknown job")
	}

	run, err := runLedger.RecordQueued(ctx, job.ID, models.TriggerManual)
	if err != nil {
		log.Fatal().
			Err(err).
			Str("job_name", job.Name).
			Str("action", "enqueue_failed").
			Msg("Failed to record run")
	}
	if err := runLedger.MarkRunning(ctx, run.ID); err != nil {
		log.Fatal().
			Err(err).
			Int64("run_id", run.ID).
			Str("action", "mark_running_failed").
			Msg("Failed to start run")
	}

	state := procRunner.Execute(ctx, job, run.ID)
	if err := runLedger.MarkTerminal(ctx, run.ID, state); err != nil {
		log.Fatal().
			Err(err).
			Int64("run_id", run.ID).
			Str("action", "mark_terminal_failed").
			Msg("Failed to finalize run")
	}

	log.Info().
		Str("job_name", job.Name).
		Int64("run_id", run.ID).
		Str("status", string(state.Status)).
		Str("action", "run_once_complete").
		Msg("Run complete")

	if state.Status != models.StatusSuccess {
		os.Exit(1)
	}
}
