package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketlens/core/pkg/models"
)

type fakeRegistry struct {
	mu   sync.Mutex
	jobs map[int64]*models.Job
}

func newFakeRegistry(jobs ...*models.Job) *fakeRegistry {
	r := &fakeRegistry{jobs: make(map[int64]*models.Job)}
	for _, job := range jobs {
		r.jobs[job.ID] = job
	}
	return r
}

func (r *fakeRegistry) Get(_ context.Context, id int64) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %d", models.ErrNotFound, id)
	}
	return job, nil
}

func (r *fakeRegistry) ListScheduled(_ context.Context) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, job := range r.jobs {
		if job.IsActive && job.CronExpression != "" {
			out = append(out, job)
		}
	}
	return out, nil
}

// fakeLedger mirrors the real ledger's single-flight behavior: one
// non-terminal run per job, enforced at insert time. Writes honor
// context cancellation the way pgx does.
type fakeLedger struct {
	mu         sync.Mutex
	nextID     int64
	runs       map[int64]*models.Run
	inflight   map[int64]int64
	stderr     map[int64][]string
	onTerminal func(runID int64)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		runs:     make(map[int64]*models.Run),
		inflight: make(map[int64]int64),
		stderr:   make(map[int64][]string),
	}
}

func (l *fakeLedger) RecordQueued(_ context.Context, jobID int64, trigger models.TriggerSource) (*models.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inflight[jobID]; ok {
		return nil, fmt.Errorf("%w: job %d already has a queued or running run", models.ErrConflict, jobID)
	}
	l.nextID++
	run := &models.Run{ID: l.nextID, JobID: jobID, Status: models.StatusQueued, Trigger: trigger}
	l.runs[run.ID] = run
	l.inflight[jobID] = run.ID
	return run, nil
}

func (l *fakeLedger) MarkRunning(ctx context.Context, runID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok || run.Status != models.StatusQueued {
		return fmt.Errorf("%w: run %d is not queued", models.ErrConflict, runID)
	}
	run.Status = models.StatusRunning
	return nil
}

func (l *fakeLedger) MarkTerminal(ctx context.Context, runID int64, state models.TerminalState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	run, ok := l.runs[runID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: run %d", models.ErrNotFound, runID)
	}
	if run.Status.Terminal() {
		l.mu.Unlock()
		return nil
	}
	run.Status = state.Status
	run.ExitCode = state.ExitCode
	delete(l.inflight, run.JobID)
	hook := l.onTerminal
	l.mu.Unlock()

	if hook != nil {
		hook(runID)
	}
	return nil
}

func (l *fakeLedger) AppendStderrLine(_ context.Context, runID int64, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stderr[runID] = append(l.stderr[runID], message)
	return nil
}

func (l *fakeLedger) ActiveRun(_ context.Context, jobID int64) (*models.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runID, ok := l.inflight[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: no active run for job %d", models.ErrNotFound, jobID)
	}
	return l.runs[runID], nil
}

func (l *fakeLedger) status(runID int64) models.RunStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[runID]; ok {
		return run.Status
	}
	return ""
}

type fakeRunner struct {
	mu      sync.Mutex
	order   []int64
	execute func(ctx context.Context, job *models.Job, runID int64) models.TerminalState
}

func (r *fakeRunner) Execute(ctx context.Context, job *models.Job, runID int64) models.TerminalState {
	r.mu.Lock()
	r.order = append(r.order, runID)
	fn := r.execute
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, job, runID)
	}
	return models.TerminalState{Status: models.StatusSuccess}
}

func (r *fakeRunner) executed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.order...)
}

type fakeBroadcast struct {
	mu     sync.Mutex
	opened []int64
	closed []int64
}

func (b *fakeBroadcast) Open(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, runID)
}

func (b *fakeBroadcast) Close(runID int64, _ models.RunStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, runID)
}

func testJob(id int64, name string) *models.Job {
	return &models.Job{
		ID:             id,
		Name:           name,
		ScriptPath:     name + ".py",
		IsActive:       true,
		TimeoutSeconds: 60,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduler_SingleFlight(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	sched := New(reg, led, &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	const triggers = 16
	outcomes := make([]Outcome, triggers)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
			if err != nil {
				t.Errorf("Enqueue() error = %v", err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	accepted := 0
	var acceptedID int64
	for _, o := range outcomes {
		if o.Accepted {
			accepted++
			acceptedID = o.RunID
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted %d of %d concurrent triggers, want exactly 1", accepted, triggers)
	}
	for _, o := range outcomes {
		if !o.Accepted && o.RunID != acceptedID {
			t.Errorf("duplicate outcome reports run %d, want existing run %d", o.RunID, acceptedID)
		}
	}
}

func TestScheduler_FIFOOrder(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"), testJob(2, "volumes"), testJob(3, "rates"))
	led := newFakeLedger()
	run := &fakeRunner{}
	sched := New(reg, led, run, &fakeBroadcast{}, time.Minute)

	var runIDs []int64
	for _, jobID := range []int64{2, 3, 1} {
		outcome, err := sched.Enqueue(context.Background(), jobID, models.TriggerManual)
		if err != nil || !outcome.Accepted {
			t.Fatalf("Enqueue(%d) = %+v, %v", jobID, outcome, err)
		}
		runIDs = append(runIDs, outcome.RunID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	waitFor(t, func() bool { return len(run.executed()) == 3 }, "all runs to execute")

	got := run.executed()
	for i := range runIDs {
		if got[i] != runIDs[i] {
			t.Fatalf("execution order = %v, want %v", got, runIDs)
		}
	}
	for _, id := range runIDs {
		if status := led.status(id); status != models.StatusSuccess {
			t.Errorf("run %d status = %s, want success", id, status)
		}
	}
}

func TestScheduler_WorkerSurvivesFailure(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"), testJob(2, "volumes"))
	led := newFakeLedger()
	exitCode := 3
	run := &fakeRunner{
		execute: func(_ context.Context, job *models.Job, _ int64) models.TerminalState {
			if job.ID == 1 {
				return models.TerminalState{Status: models.StatusFailed, ExitCode: &exitCode}
			}
			return models.TerminalState{Status: models.StatusSuccess}
		},
	}
	bcast := &fakeBroadcast{}
	sched := New(reg, led, run, bcast, time.Minute)

	first, _ := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	second, _ := sched.Enqueue(context.Background(), 2, models.TriggerManual)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	waitFor(t, func() bool { return len(run.executed()) == 2 }, "both runs to execute")

	if status := led.status(first.RunID); status != models.StatusFailed {
		t.Errorf("first run status = %s, want failed", status)
	}
	if status := led.status(second.RunID); status != models.StatusSuccess {
		t.Errorf("second run status = %s, want success", status)
	}

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.opened) != 2 || len(bcast.closed) != 2 {
		t.Errorf("broadcast lifecycle = %d opened, %d closed, want 2/2", len(bcast.opened), len(bcast.closed))
	}
}

func TestScheduler_ReEnqueueAfterCompletion(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	run := &fakeRunner{}
	sched := New(reg, led, run, &fakeBroadcast{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	first, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	if err != nil || !first.Accepted {
		t.Fatalf("first Enqueue() = %+v, %v", first, err)
	}
	waitFor(t, func() bool { return led.status(first.RunID).Terminal() }, "first run to finish")

	second, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if !second.Accepted || second.RunID == first.RunID {
		t.Errorf("second Enqueue() = %+v, want a fresh accepted run", second)
	}
}

func TestScheduler_CancelPending(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"), testJob(2, "volumes"))
	led := newFakeLedger()
	sched := New(reg, led, &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	// No worker running, so both stay pending.
	first, _ := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	second, _ := sched.Enqueue(context.Background(), 2, models.TriggerManual)

	if err := sched.Cancel(context.Background(), second.RunID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if status := led.status(second.RunID); status != models.StatusFailed {
		t.Errorf("cancelled run status = %s, want failed", status)
	}
	led.mu.Lock()
	run := led.runs[second.RunID]
	notes := led.stderr[second.RunID]
	led.mu.Unlock()
	if run.ExitCode == nil || *run.ExitCode != models.ExitCancelled {
		t.Errorf("cancelled run exit code = %v, want %d", run.ExitCode, models.ExitCancelled)
	}
	if len(notes) == 0 {
		t.Error("cancelled run has no stderr note")
	}

	state := sched.Worker()
	if state.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d after cancel, want 1", state.QueueDepth)
	}
	if first.RunID == second.RunID {
		t.Error("distinct jobs shared a run id")
	}
}

func TestScheduler_CancelActive(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	started := make(chan struct{})
	run := &fakeRunner{
		execute: func(ctx context.Context, _ *models.Job, _ int64) models.TerminalState {
			close(started)
			<-ctx.Done()
			exitCode := models.ExitCancelled
			return models.TerminalState{Status: models.StatusFailed, ExitCode: &exitCode}
		},
	}
	sched := New(reg, led, run, &fakeBroadcast{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	outcome, _ := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	<-started

	waitFor(t, func() bool { return sched.Worker().Busy }, "worker to report busy")

	if err := sched.Cancel(context.Background(), outcome.RunID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	waitFor(t, func() bool { return led.status(outcome.RunID) == models.StatusFailed }, "run to finalize")

	waitFor(t, func() bool { return !sched.Worker().Busy }, "worker to go idle")
}

func TestScheduler_CancelUnknownRun(t *testing.T) {
	sched := New(newFakeRegistry(), newFakeLedger(), &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	err := sched.Cancel(context.Background(), 99)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Cancel(99) error = %v, want ErrNotFound", err)
	}
}

func TestScheduler_EnqueueUnknownJob(t *testing.T) {
	sched := New(newFakeRegistry(), newFakeLedger(), &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	_, err := sched.Enqueue(context.Background(), 404, models.TriggerManual)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Enqueue(404) error = %v, want ErrNotFound", err)
	}
}

func TestScheduler_LedgerConflictFallback(t *testing.T) {
	// The ledger already holds an in-flight run this scheduler instance
	// does not track (e.g. inserted just before a restart).
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	existing, err := led.RecordQueued(context.Background(), 1, models.TriggerCron)
	if err != nil {
		t.Fatal(err)
	}

	sched := New(reg, led, &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	outcome, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if outcome.Accepted {
		t.Error("Enqueue() accepted despite in-flight ledger run")
	}
	if outcome.RunID != existing.ID {
		t.Errorf("duplicate outcome reports run %d, want %d", outcome.RunID, existing.ID)
	}
}

func TestDueBetween(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name  string
		expr  string
		after time.Time
		until time.Time
		want  bool
	}{
		{
			name:  "every minute fires",
			expr:  "* * * * *",
			after: base,
			until: base.Add(time.Minute),
			want:  true,
		},
		{
			name:  "hourly not due in one minute window",
			expr:  "0 3 * * *",
			after: base,
			until: base.Add(time.Minute),
			want:  false,
		},
		{
			name:  "daily due when window crosses it",
			expr:  "5 12 * * *",
			after: base,
			until: base.Add(10 * time.Minute),
			want:  true,
		},
		{
			name:  "invalid expression never fires",
			expr:  "bogus",
			after: base,
			until: base.Add(time.Hour),
			want:  false,
		},
		{
			name:  "boundary is inclusive",
			expr:  "1 12 * * *",
			after: base,
			until: time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC),
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dueBetween(tt.expr, tt.after, tt.until); got != tt.want {
				t.Errorf("dueBetween(%q, %v, %v) = %v, want %v", tt.expr, tt.after, tt.until, got, tt.want)
			}
		})
	}
}

func TestScheduler_ShutdownDrainsActiveRun(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	started := make(chan struct{})
	run := &fakeRunner{
		execute: func(ctx context.Context, _ *models.Job, _ int64) models.TerminalState {
			close(started)
			<-ctx.Done()
			exitCode := models.ExitCancelled
			return models.TerminalState{Status: models.StatusFailed, ExitCode: &exitCode}
		},
	}
	sched := New(reg, led, run, &fakeBroadcast{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	outcome, _ := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	<-started

	// Shutdown while the run is active. The terminal state computed by
	// the runner must still reach the ledger even though the worker
	// context is already cancelled.
	cancel()
	<-done

	if got := led.status(outcome.RunID); got != models.StatusFailed {
		t.Fatalf("run status after shutdown = %q, want failed (terminal state lost)", got)
	}
}

func TestScheduler_TriggerDuringFinalizeStartsFreshRun(t *testing.T) {
	reg := newFakeRegistry(testJob(1, "prices"))
	led := newFakeLedger()
	sched := New(reg, led, &fakeRunner{}, &fakeBroadcast{}, time.Minute)

	// The hook runs at the instant the first run turns terminal in the
	// ledger. A trigger at that point must be accepted as a new run, not
	// deduplicated against the finished one.
	type result struct {
		outcome Outcome
		err     error
	}
	results := make(chan result, 1)
	var fired atomic.Bool
	led.onTerminal = func(int64) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		outcome, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
		results <- result{outcome, err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	first, err := sched.Enqueue(context.Background(), 1, models.TriggerManual)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var second result
	select {
	case second = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trigger during finalize")
	}
	if second.err != nil {
		t.Fatalf("Enqueue() during finalize error = %v", second.err)
	}
	if !second.outcome.Accepted {
		t.Fatalf("trigger during finalize = %+v, want a fresh accepted run", second.outcome)
	}
	if second.outcome.RunID == first.RunID {
		t.Fatalf("trigger during finalize reused run %d", first.RunID)
	}
	waitFor(t, func() bool { return led.status(second.outcome.RunID) == models.StatusSuccess }, "second run to finish")
}
