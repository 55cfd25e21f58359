package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketlens/core/pkg/models"
	"github.com/marketlens/core/pkg/scripts"
)

// captureSink records every appended chunk per stream.
type captureSink struct {
	mu     sync.Mutex
	chunks map[models.OutputStream][]byte
}

func newCaptureSink() *captureSink {
	return &captureSink{chunks: make(map[models.OutputStream][]byte)}
}

func (c *captureSink) AppendOutput(_ context.Context, _ int64, stream models.OutputStream, chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks[stream] = append(c.chunks[stream], chunk...)
	return nil
}

func (c *captureSink) output(stream models.OutputStream) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.chunks[stream])
}

type capturePublisher struct {
	mu     sync.Mutex
	events []models.OutputStream
}

func (c *capturePublisher) Publish(_ int64, stream models.OutputStream, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, stream)
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// writeScript drops a shell script with a .py name into dir; tests run
// them with /bin/sh so no Python installation is needed.
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestRunner(t *testing.T, sink Sink, pub Publisher) (*ProcessRunner, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := scripts.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return New(store, "/bin/sh", sink, pub), dir
}

func testJob(script string, timeoutSeconds int) *models.Job {
	return &models.Job{
		ID:             1,
		Name:           "test-job",
		ScriptPath:     script,
		TimeoutSeconds: timeoutSeconds,
	}
}

func TestExecute_Success(t *testing.T) {
	sink := newCaptureSink()
	pub := &capturePublisher{}
	runner, dir := newTestRunner(t, sink, pub)

	writeScript(t, dir, "load.py", "echo loading\necho RECORDS_AFFECTED=1234\nexit 0\n")

	state := runner.Execute(context.Background(), testJob("load.py", 30), 1)

	if state.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", state.ExitCode)
	}
	if state.RecordsAffected == nil || *state.RecordsAffected != 1234 {
		t.Errorf("records affected = %v, want 1234", state.RecordsAffected)
	}
	if got := sink.output(models.StreamStdout); !strings.Contains(got, "loading") {
		t.Errorf("persisted stdout = %q, want it to contain %q", got, "loading")
	}
	if pub.count() == 0 {
		t.Error("no chunks published to the live stream")
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	sink := newCaptureSink()
	runner, dir := newTestRunner(t, sink, &capturePublisher{})

	writeScript(t, dir, "fail.py", "echo oops >&2\nexit 3\n")

	state := runner.Execute(context.Background(), testJob("fail.py", 30), 2)

	if state.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", state.ExitCode)
	}
	if got := sink.output(models.StreamStderr); !strings.Contains(got, "oops") {
		t.Errorf("persisted stderr = %q, want it to contain %q", got, "oops")
	}
}

func TestExecute_Timeout(t *testing.T) {
	sink := newCaptureSink()
	runner, dir := newTestRunner(t, sink, &capturePublisher{})

	writeScript(t, dir, "slow.py", "sleep 30\n")

	start := time.Now()
	state := runner.Execute(context.Background(), testJob("slow.py", 1), 3)

	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("timeout enforcement took %v", elapsed)
	}
	if state.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != models.ExitTimeout {
		t.Errorf("exit code = %v, want %d", state.ExitCode, models.ExitTimeout)
	}
	if got := sink.output(models.StreamStderr); !strings.Contains(got, "timed out") {
		t.Errorf("persisted stderr = %q, want a timeout note", got)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	sink := newCaptureSink()
	runner, dir := newTestRunner(t, sink, &capturePublisher{})

	writeScript(t, dir, "slow.py", "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	state := runner.Execute(ctx, testJob("slow.py", 60), 4)

	if state.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != models.ExitCancelled {
		t.Errorf("exit code = %v, want %d", state.ExitCode, models.ExitCancelled)
	}
	if got := sink.output(models.StreamStderr); !strings.Contains(got, "cancelled") {
		t.Errorf("persisted stderr = %q, want a cancellation note", got)
	}
}

func TestExecute_MissingScript(t *testing.T) {
	sink := newCaptureSink()
	runner, _ := newTestRunner(t, sink, &capturePublisher{})

	state := runner.Execute(context.Background(), testJob("missing.py", 30), 5)

	if state.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != models.ExitSpawnFailure {
		t.Errorf("exit code = %v, want %d", state.ExitCode, models.ExitSpawnFailure)
	}
	if got := sink.output(models.StreamStderr); !strings.Contains(got, "cannot resolve script") {
		t.Errorf("persisted stderr = %q, want a resolve failure note", got)
	}
}

func TestParseRecordsAffected(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   *int64
	}{
		{"absent", "loading\ndone\n", nil},
		{"simple", "RECORDS_AFFECTED=42\n", int64Ptr(42)},
		{"last value wins", "RECORDS_AFFECTED=1\nprogress\nRECORDS_AFFECTED=99\n", int64Ptr(99)},
		{"surrounding whitespace", "  RECORDS_AFFECTED= 7 \n", int64Ptr(7)},
		{"malformed ignored", "RECORDS_AFFECTED=abc\n", nil},
		{"malformed keeps earlier", "RECORDS_AFFECTED=5\nRECORDS_AFFECTED=abc\n", int64Ptr(5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRecordsAffected(tt.stdout)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("parseRecordsAffected() = %d, want nil", *got)
			case tt.want != nil && got == nil:
				t.Errorf("parseRecordsAffected() = nil, want %d", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("parseRecordsAffected() = %d, want %d", *got, *tt.want)
			}
		})
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestExecute_CleanExitBeforeDeadlineIsSuccess(t *testing.T) {
	sink := newCaptureSink()
	runner, dir := newTestRunner(t, sink, &capturePublisher{})

	// The script exits 0 immediately but leaves a background helper
	// holding the output pipes past the deadline. The clean exit must
	// win over the expired context.
	writeScript(t, dir, "load.py", "sleep 5 &\necho RECORDS_AFFECTED=3\nexit 0\n")

	start := time.Now()
	state := runner.Execute(context.Background(), testJob("load.py", 1), 1)

	if state.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success (clean exit misread as timeout)", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", state.ExitCode)
	}
	if state.RecordsAffected == nil || *state.RecordsAffected != 3 {
		t.Errorf("records affected = %v, want 3", state.RecordsAffected)
	}
	// The lingering helper is killed with the process group at the
	// deadline; the run must not wait out its full sleep.
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Execute took %v, helper outlived the process group kill", elapsed)
	}
	if got := sink.output(models.StreamStderr); strings.Contains(got, "timed out") {
		t.Errorf("stderr = %q, has a timeout note for a clean exit", got)
	}
}
