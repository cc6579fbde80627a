package packer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oshokin/nuspec-builder/internal/domain/nuspec"
	"github.com/oshokin/nuspec-builder/internal/logger"
	"github.com/oshokin/nuspec-builder/internal/service/common"
)

const (
	// packCommand is the first argument of every tool invocation.
	packCommand = "pack"

	initialLineBuffer = 64 * 1024
	maxLineSize       = 1024 * 1024

	// waitDelay bounds how long output is read after the process was killed.
	waitDelay = 2 * time.Second
)

// Stream names an output stream of the packaging process.
type Stream string

const (
	// StreamStdout is the standard output of the tool.
	StreamStdout Stream = "stdout"
	// StreamStderr is the standard error of the tool.
	StreamStderr Stream = "stderr"
)

// Options configures a Packer.
type Options struct {
	// ToolPath is the packaging executable.
	ToolPath string
	// Args are appended after `pack <manifest>`.
	Args []string
	// Concurrency is the number of processes allowed to run at once, 1 when unset.
	Concurrency int
	// Timeout kills a process running longer than this; zero disables it.
	Timeout time.Duration
	// KillOnCancel kills running processes when the context passed to PackAll is cancelled.
	// Otherwise they run to completion and only queued jobs are cancelled.
	KillOnCancel bool
	// OnTransition observes every state change. It may be called from several goroutines.
	OnTransition func(job Job)
	// OnOutput receives each output line of the tool. It may be called from several
	// goroutines. By default lines are logged: stdout at info, stderr at warn.
	OnOutput func(ctx context.Context, job Job, stream Stream, line string)
}

// Packer drains a queue of manifests through the packaging tool.
type Packer struct {
	opts Options
}

// process is a started packaging process awaiting exit.
type process struct {
	cmd    *exec.Cmd
	ctx    context.Context //nolint:containedctx // Lives only between launch and await.
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// New creates a Packer.
func New(opts *Options) *Packer {
	p := &Packer{
		opts: *opts,
	}

	if p.opts.Concurrency < 1 {
		p.opts.Concurrency = 1
	}

	if p.opts.OnOutput == nil {
		p.opts.OnOutput = logOutput
	}

	return p
}

// PackAll packs every record and returns once all jobs reached a final state.
// A job starts only when fewer than Concurrency jobs are running, in record order.
func (p *Packer) PackAll(ctx context.Context, records []nuspec.Record) *Summary {
	ctx = logger.WithName(ctx, "packer")

	jobs := make([]*Job, 0, len(records))
	for i, record := range records {
		jobs = append(jobs, &Job{
			Sequence: i + 1,
			Package:  record.ID,
			Manifest: record.Path,
			State:    StateQueued,
		})
	}

	if len(jobs) == 0 {
		logger.Info(ctx, "No manifests to pack")
		return newSummary(jobs)
	}

	p.warnIfToolRunning(ctx)

	logger.InfoKV(ctx, "Packing manifests",
		"jobs", len(jobs), "concurrency", p.opts.Concurrency, "tool", p.opts.ToolPath)

	var (
		slots   = semaphore.NewWeighted(int64(p.opts.Concurrency))
		running sync.WaitGroup
	)

	for _, job := range jobs {
		jobCtx := logger.WithKV(ctx, "package", job.Package, "job", job.Sequence)

		// Acquire returns once a running job has exited and released its slot.
		if err := slots.Acquire(ctx, 1); err != nil {
			job.Err = fmt.Errorf("%s: %w", job.Manifest, err)
			p.transition(jobCtx, job, StateCancelled)

			continue
		}

		proc, err := p.launch(jobCtx, job)
		if err != nil {
			slots.Release(1)

			job.Err = fmt.Errorf("%w: %s: %w", ErrLaunchFailed, p.opts.ToolPath, err)
			logger.ErrorKV(jobCtx, "Failed to launch packaging tool", "manifest", job.Manifest, "error", err)
			p.transition(jobCtx, job, StateAbandoned)

			continue
		}

		running.Add(1)

		job := job // per-iteration copy; go.mod targets go1.21 loop semantics

		go func() {
			defer running.Done()
			defer slots.Release(1)

			p.await(jobCtx, job, proc)
		}()
	}

	running.Wait()

	summary := newSummary(jobs)

	logger.InfoKV(ctx, "Packing completed",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"abandoned", summary.Abandoned,
		"cancelled", summary.Cancelled)

	return summary
}

// launch starts the tool for job and marks it Running.
func (p *Packer) launch(ctx context.Context, job *Job) (*process, error) {
	procCtx := ctx
	if !p.opts.KillOnCancel {
		procCtx = context.WithoutCancel(ctx)
	}

	cancel := context.CancelFunc(func() {})
	if p.opts.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(procCtx, p.opts.Timeout)
	}

	args := make([]string, 0, len(p.opts.Args)+2)
	args = append(args, packCommand, job.Manifest)
	args = append(args, p.opts.Args...)

	cmd := exec.CommandContext(procCtx, p.opts.ToolPath, args...)
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach stdout: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach stderr: %w", err)
	}

	if err = cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	job.StartedAt = time.Now()
	p.transition(ctx, job, StateRunning)

	return &process{
		cmd:    cmd,
		ctx:    procCtx,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// await drains the output of a running job, waits for the process to exit and marks it Exited.
func (p *Packer) await(ctx context.Context, job *Job, proc *process) {
	defer proc.cancel()

	// Descendants that escaped the kill may still hold the pipes open,
	// so reading stops waitDelay after the process context is done.
	finished := make(chan struct{})
	defer close(finished)

	stopClosing := context.AfterFunc(proc.ctx, func() {
		select {
		case <-finished:
		case <-time.After(waitDelay):
			_ = proc.stdout.Close()
			_ = proc.stderr.Close()
		}
	})
	defer stopClosing()

	var (
		snapshot = *job
		drain    sync.WaitGroup
	)

	drain.Add(2)

	go func() {
		defer drain.Done()
		p.forward(ctx, snapshot, StreamStdout, proc.stdout)
	}()

	go func() {
		defer drain.Done()
		p.forward(ctx, snapshot, StreamStderr, proc.stderr)
	}()

	// Wait closes the pipes, so every line must be read first.
	drain.Wait()

	err := proc.cmd.Wait()

	job.ExitedAt = time.Now()
	job.ExitCode = -1

	if proc.cmd.ProcessState != nil {
		job.ExitCode = proc.cmd.ProcessState.ExitCode()
	}

	switch {
	case err != nil && errors.Is(proc.ctx.Err(), context.DeadlineExceeded):
		job.Err = fmt.Errorf("%w: %s: %w after %s", ErrJobFailed, job.Manifest, errJobTimedOut, p.opts.Timeout)
	case err != nil:
		job.Err = fmt.Errorf("%w: %s: %w", ErrJobFailed, job.Manifest, err)
	}

	p.transition(ctx, job, StateExited)
}

// forward hands every line of r to OnOutput.
func (p *Packer) forward(ctx context.Context, job Job, stream Stream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

	for scanner.Scan() {
		p.opts.OnOutput(ctx, job, stream, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		logger.WarnKV(ctx, "Stopped reading packaging tool output", "stream", stream, "error", err)

		// The tool blocks on a full pipe, keep it flowing.
		_, _ = io.Copy(io.Discard, r)
	}
}

// transition records a state change, logs the milestone and notifies the observer.
func (p *Packer) transition(ctx context.Context, job *Job, state State) {
	job.State = state

	switch state {
	case StateRunning:
		logger.InfoKV(ctx, "Packing started", "manifest", job.Manifest)
	case StateExited:
		if job.Err != nil {
			logger.ErrorKV(ctx, "Packing failed",
				"manifest", job.Manifest, "exit_code", job.ExitCode, "error", job.Err)
		} else {
			logger.InfoKV(ctx, "Packing finished", "manifest", job.Manifest, "duration", job.Duration())
		}
	case StateCancelled:
		logger.WarnKV(ctx, "Packing cancelled", "manifest", job.Manifest)
	case StateQueued, StateAbandoned:
	}

	if p.opts.OnTransition != nil {
		p.opts.OnTransition(*job)
	}
}

// warnIfToolRunning reports other instances of the tool, which compete for its package cache.
func (p *Packer) warnIfToolRunning(ctx context.Context) {
	pids, err := common.FindProcesses(p.opts.ToolPath)
	if err != nil {
		logger.DebugKV(ctx, "Unable to inspect running processes", "error", err)
		return
	}

	if len(pids) > 0 {
		logger.WarnKV(ctx, "The packaging tool is already running, packing may contend for its cache",
			"tool", common.ExecutableName(p.opts.ToolPath), "pids", pids)
	}
}

func logOutput(ctx context.Context, _ Job, stream Stream, line string) {
	if stream == StreamStderr {
		logger.Warn(ctx, line)
		return
	}

	logger.Info(ctx, line)
}
