package packer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/nuspec-builder/internal/domain/nuspec"
)

// transition is a recorded (sequence, state) pair.
type transition struct {
	Sequence int
	State    State
}

// recorder collects transitions and output lines from concurrent callbacks.
type recorder struct {
	mu          sync.Mutex
	transitions []transition
	lines       map[Stream][]string
}

func newRecorder() *recorder {
	return &recorder{
		lines: make(map[Stream][]string),
	}
}

func (r *recorder) onTransition(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions = append(r.transitions, transition{job.Sequence, job.State})
}

func (r *recorder) onOutput(_ context.Context, _ Job, stream Stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[stream] = append(r.lines[stream], line)
}

func (r *recorder) states() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]transition(nil), r.transitions...)
}

// writeTool creates an executable POSIX shell script acting as the packaging tool.
func writeTool(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake packaging tool is a POSIX shell script")
	}

	path := filepath.Join(t.TempDir(), "fake-nuget")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) //nolint:gosec // Test tool must be executable.

	return path
}

func records(names ...string) []nuspec.Record {
	result := make([]nuspec.Record, 0, len(names))
	for _, name := range names {
		result = append(result, nuspec.Record{ID: name, Path: name + nuspec.FileExtension})
	}

	return result
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// TestPackAll_Sequential runs jobs one after another in queue order.
func TestPackAll_Sequential(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "calls.log")
	tool := writeTool(t, fmt.Sprintf(`
[ "$1" = pack ] || exit 64
echo "start $2" >> '%[1]s'
echo "packing $2"
echo "warning for $2" >&2
echo "end $2" >> '%[1]s'`, logPath))

	rec := newRecorder()
	packer := New(&Options{
		ToolPath:     tool,
		OnTransition: rec.onTransition,
		OnOutput:     rec.onOutput,
	})

	summary := packer.PackAll(context.Background(), records("A", "B", "C"))

	require.NoError(t, summary.Err())
	require.Equal(t, 3, summary.Total())
	require.Equal(t, 3, summary.Succeeded)

	require.Equal(t, []string{
		"start A.nuspec", "end A.nuspec",
		"start B.nuspec", "end B.nuspec",
		"start C.nuspec", "end C.nuspec",
	}, readLines(t, logPath))

	require.Equal(t, []transition{
		{1, StateRunning}, {1, StateExited},
		{2, StateRunning}, {2, StateExited},
		{3, StateRunning}, {3, StateExited},
	}, rec.states())

	require.Equal(t, []string{"packing A.nuspec", "packing B.nuspec", "packing C.nuspec"}, rec.lines[StreamStdout])
	require.Equal(t, []string{"warning for A.nuspec", "warning for B.nuspec", "warning for C.nuspec"}, rec.lines[StreamStderr])

	for i := 1; i < len(summary.Jobs); i++ {
		require.False(t, summary.Jobs[i].StartedAt.Before(summary.Jobs[i-1].ExitedAt))
	}
}

// TestPackAll_Empty returns immediately without launching anything.
func TestPackAll_Empty(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	packer := New(&Options{
		ToolPath:     filepath.Join(t.TempDir(), "never-launched"),
		OnTransition: rec.onTransition,
	})

	summary := packer.PackAll(context.Background(), nil)

	require.Zero(t, summary.Total())
	require.NoError(t, summary.Err())
	require.Empty(t, rec.states())
}

// TestPackAll_FailedJobDoesNotBlockQueue records a non-zero exit and keeps going.
func TestPackAll_FailedJobDoesNotBlockQueue(t *testing.T) {
	t.Parallel()

	tool := writeTool(t, `
case "$2" in
  *bad*) echo "boom" >&2; exit 3 ;;
esac
echo "ok"`)

	summary := New(&Options{ToolPath: tool, OnOutput: newRecorder().onOutput}).
		PackAll(context.Background(), records("good1", "bad2", "good3"))

	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 3, summary.Jobs[1].ExitCode)
	require.Equal(t, StateExited, summary.Jobs[2].State)
	require.True(t, summary.Jobs[2].Succeeded())
	require.ErrorIs(t, summary.Err(), ErrJobFailed)
}

// TestPackAll_LaunchFailure abandons jobs whose tool cannot start and still tries the rest.
func TestPackAll_LaunchFailure(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	packer := New(&Options{
		ToolPath:     filepath.Join(t.TempDir(), "missing-nuget"),
		OnTransition: rec.onTransition,
	})

	summary := packer.PackAll(context.Background(), records("A", "B", "C"))

	require.Equal(t, 3, summary.Abandoned)
	require.ErrorIs(t, summary.Err(), ErrLaunchFailed)
	require.Equal(t, []transition{
		{1, StateAbandoned},
		{2, StateAbandoned},
		{3, StateAbandoned},
	}, rec.states())
}

// TestPackAll_CancelledBeforeStart launches nothing once the context is done.
func TestPackAll_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	tool := writeTool(t, `echo "should not run"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	summary := New(&Options{ToolPath: tool, OnTransition: rec.onTransition}).
		PackAll(ctx, records("A", "B"))

	require.Equal(t, 2, summary.Cancelled)
	require.ErrorIs(t, summary.Err(), context.Canceled)
	require.Equal(t, []transition{{1, StateCancelled}, {2, StateCancelled}}, rec.states())
}

// TestPackAll_CancelLetsRunningJobFinish stops the queue but not the running process.
func TestPackAll_CancelLetsRunningJobFinish(t *testing.T) {
	t.Parallel()

	tool := writeTool(t, `sleep 1; echo "done"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	packer := New(&Options{
		ToolPath: tool,
		OnOutput: newRecorder().onOutput,
		OnTransition: func(job Job) {
			if job.Sequence == 1 && job.State == StateRunning {
				cancel()
			}
		},
	})

	summary := packer.PackAll(ctx, records("A", "B", "C"))

	require.True(t, summary.Jobs[0].Succeeded())
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.Cancelled)
}

// TestPackAll_KillOnCancel terminates the running process when asked to.
func TestPackAll_KillOnCancel(t *testing.T) {
	t.Parallel()

	tool := writeTool(t, `sleep 30; echo "done"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	packer := New(&Options{
		ToolPath:     tool,
		KillOnCancel: true,
		OnTransition: func(job Job) {
			if job.Sequence == 1 && job.State == StateRunning {
				cancel()
			}
		},
	})

	started := time.Now()
	summary := packer.PackAll(ctx, records("A", "B"))

	require.Less(t, time.Since(started), 5*time.Second)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Cancelled)
	require.ErrorIs(t, summary.Jobs[0].Err, ErrJobFailed)
}

// TestPackAll_Timeout kills a tool that runs too long together with its children.
func TestPackAll_Timeout(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"foreground child": `sleep 30; echo "done"`,
		"background child": `(sleep 30; echo "late") & echo "started"; wait`,
	}

	for name, body := range cases {
		tool := writeTool(t, body)

		started := time.Now()
		summary := New(&Options{ToolPath: tool, Timeout: 200 * time.Millisecond}).
			PackAll(context.Background(), records("slow", "next"))

		require.Less(t, time.Since(started), 5*time.Second, name)
		require.Equal(t, 2, summary.Failed, name)
		require.ErrorIs(t, summary.Err(), errJobTimedOut, name)
		require.Equal(t, -1, summary.Jobs[0].ExitCode, name)
	}
}

// TestPackAll_TimeoutDetachedChild stops reading output held open by a process
// that left the tool's process group.
func TestPackAll_TimeoutDetachedChild(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid is not available")
	}

	tool := writeTool(t, `setsid sleep 10 & sleep 30`)

	started := time.Now()
	summary := New(&Options{ToolPath: tool, Timeout: 200 * time.Millisecond}).
		PackAll(context.Background(), records("slow"))

	require.Less(t, time.Since(started), waitDelay+5*time.Second)
	require.Equal(t, 1, summary.Failed)
	require.ErrorIs(t, summary.Err(), errJobTimedOut)
}

// TestPackAll_ConcurrencyLimit never runs more than the configured number of jobs.
func TestPackAll_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	tool := writeTool(t, `sleep 1`)

	var (
		mu      sync.Mutex
		active  int
		peak    int
		started []int
	)

	packer := New(&Options{
		ToolPath:    tool,
		Concurrency: 2,
		OnTransition: func(job Job) {
			mu.Lock()
			defer mu.Unlock()

			switch job.State {
			case StateRunning:
				active++
				peak = max(peak, active)
				started = append(started, job.Sequence)
			case StateExited:
				active--
			case StateQueued, StateAbandoned, StateCancelled:
			}
		},
	})

	summary := packer.PackAll(context.Background(), records("A", "B", "C", "D"))

	require.Equal(t, 4, summary.Succeeded)
	require.Equal(t, 2, peak)
	require.Equal(t, []int{1, 2, 3, 4}, started)
}
