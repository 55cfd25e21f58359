// Package runner executes a job's loader script as a child process. The
// runner exclusively owns the process handle and its pipes for the run's
// lifetime; output is streamed to the broadcaster and the ledger as it
// arrives, never buffered until exit.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/scripts"
)

// recordsAffectedPrefix is the stdout convention loader scripts use to
// report how many rows they touched.
const recordsAffectedPrefix = "RECORDS_AFFECTED="

// chunkSize is the read size for incremental output streaming.
const chunkSize = 4096

// waitDelay bounds how long Wait blocks on pipe drain after the process
// is killed.
const waitDelay = 5 * time.Second

// Sink receives output chunks for durable storage.
type Sink interface {
	AppendOutput(ctx context.Context, runID int64, stream models.OutputStream, chunk []byte) error
}

// Publisher receives output chunks for live fan-out.
type Publisher interface {
	Publish(runID int64, stream models.OutputStream, chunk []byte)
}

// ProcessRunner launches loader scripts as subprocesses.
type ProcessRunner struct {
	scripts     *scripts.Store
	interpreter string
	sink        Sink
	publisher   Publisher
	logger      *logger.Logger
}

// New creates a process runner
func New(store *scripts.Store, interpreter string, sink Sink, publisher Publisher) *ProcessRunner {
	return &ProcessRunner{
		scripts:     store,
		interpreter: interpreter,
		sink:        sink,
		publisher:   publisher,
		logger:      logger.New("process-runner"),
	}
}

// Execute runs the job's script and returns the terminal outcome. Every
// way an execution can go wrong — spawn failure, non-zero exit, timeout,
// cancellation — is captured in the returned state, never as an error:
// the queue must always proceed to the next run.
func (p *ProcessRunner) Execute(ctx context.Context, job *models.Job, runID int64) models.TerminalState {
	log := p.logger.WithJob(job.Name).WithRun(runID)
	start := time.Now()

	path, err := p.scripts.Resolve(job.ScriptPath)
	if err != nil {
		return p.spawnFailure(log, runID, start, fmt.Sprintf("cannot resolve script: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.interpreter, path)
	cmd.Dir = p.scripts.Dir()
	cmd.WaitDelay = waitDelay

	// Scripts may fork helpers. Run the child in its own process group
	// and kill the whole group on timeout or cancel, so nothing outlives
	// the run.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return p.spawnFailure(log, runID, start, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return p.spawnFailure(log, runID, start, fmt.Sprintf("stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return p.spawnFailure(log, runID, start, fmt.Sprintf("failed to start %s: %v", p.interpreter, err))
	}

	log.Info().
		Str("action", "process_started").
		Str("script", job.ScriptPath).
		Int("pid", cmd.Process.Pid).
		Dur("timeout", job.Timeout()).
		Msg("Child process started")

	// Stream both pipes concurrently. The stdout tail is kept in memory
	// for the RECORDS_AFFECTED scan after exit.
	var tail tailBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.stream(runID, models.StreamStdout, stdout, &tail)
	}()
	go func() {
		defer wg.Done()
		p.stream(runID, models.StreamStderr, stderr, nil)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	state := models.TerminalState{
		DurationSeconds: roundSeconds(duration),
		RecordsAffected: parseRecordsAffected(tail.String()),
	}

	// Classify on the real exit status first: a process that exited
	// cleanly moments before the deadline (pipes still draining past it)
	// is a success, not a timeout. The context error only decides the
	// outcome when the process was actually killed.
	switch {
	case waitErr == nil:
		state.Status = models.StatusSuccess
		state.ExitCode = intPtr(0)
		log.Info().
			Str("action", "process_succeeded").
			Dur("duration", duration).
			Msg("Child process exited cleanly")

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		state.Status = models.StatusFailed
		state.ExitCode = intPtr(models.ExitTimeout)
		p.emitStderr(runID, fmt.Sprintf("job timed out after %d seconds", job.TimeoutSeconds))
		log.Error().
			Str("action", "process_timeout").
			Dur("duration", duration).
			Msg("Child process killed at deadline")

	case runCtx.Err() != nil:
		// Parent context cancelled: operator cancel or shutdown.
		state.Status = models.StatusFailed
		state.ExitCode = intPtr(models.ExitCancelled)
		p.emitStderr(runID, "cancelled")
		log.Warn().
			Str("action", "process_cancelled").
			Dur("duration", duration).
			Msg("Child process cancelled")

	default:
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		state.Status = models.StatusFailed
		state.ExitCode = intPtr(exitCode)
		log.Error().
			Str("action", "process_failed").
			Int("exit_code", exitCode).
			Dur("duration", duration).
			Msg("Child process exited with failure")
	}

	return state
}

// stream copies one pipe to the publisher and the sink chunk by chunk.
func (p *ProcessRunner) stream(runID int64, name models.OutputStream, pipe io.Reader, tail *tailBuffer) {
	reader := bufio.NewReader(pipe)
	buf := make([]byte, chunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			p.publisher.Publish(runID, name, chunk)
			if tail != nil {
				tail.Write(chunk)
			}

			// Appends use their own deadline: the run context may already
			// be expired when the final chunks drain.
			appendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.sink.AppendOutput(appendCtx, runID, name, chunk); err != nil {
				p.logger.Error().
					Err(err).
					Str("action", "append_output_failed").
					Int64("run_id", runID).
					Str("stream", string(name)).
					Msg("Failed to persist output chunk")
			}
			cancel()
		}
		if err != nil {
			return
		}
	}
}

// spawnFailure records an execution that never produced a process.
func (p *ProcessRunner) spawnFailure(log *logger.Logger, runID int64, start time.Time, message string) models.TerminalState {
	log.Error().
		Str("action", "spawn_failed").
		Str("reason", message).
		Msg("Failed to launch child process")

	p.emitStderr(runID, message)

	return models.TerminalState{
		Status:          models.StatusFailed,
		ExitCode:        intPtr(models.ExitSpawnFailure),
		DurationSeconds: roundSeconds(time.Since(start)),
	}
}

// emitStderr writes a synthetic diagnostic line to both the live stream
// and the ledger.
func (p *ProcessRunner) emitStderr(runID int64, message string) {
	line := []byte(message + "\n")
	p.publisher.Publish(runID, models.StreamStderr, line)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.sink.AppendOutput(ctx, runID, models.StreamStderr, line); err != nil {
		p.logger.Error().
			Err(err).
			Str("action", "append_output_failed").
			Int64("run_id", runID).
			Msg("Failed to persist synthetic stderr line")
	}
}

// parseRecordsAffected scans stdout for the last RECORDS_AFFECTED= line.
func parseRecordsAffected(stdout string) *int64 {
	var result *int64
	for _, line := range strings.Split(stdout, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), recordsAffectedPrefix)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
			result = &n
		}
	}
	return result
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000.0
}

func intPtr(v int) *int { return &v }

// tailBuffer retains the last 64 KB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailCap = 64 * 1024

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailCap {
		t.buf = t.buf[len(t.buf)-tailCap:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
