package packer

import (
	"errors"
	"time"
)

// State is the lifecycle position of a Job.
type State string

const (
	// StateQueued means the job waits for a free slot.
	StateQueued State = "queued"
	// StateRunning means the packaging process has been started.
	StateRunning State = "running"
	// StateExited means the process terminated, successfully or not.
	StateExited State = "exited"
	// StateAbandoned means the process could not be started.
	StateAbandoned State = "abandoned"
	// StateCancelled means the run was interrupted before the job started.
	StateCancelled State = "cancelled"
)

var (
	// ErrJobFailed marks a packaging process that exited with a non-zero status or timed out.
	ErrJobFailed = errors.New("packaging failed")
	// ErrLaunchFailed marks a packaging process that could not be started.
	ErrLaunchFailed = errors.New("packaging tool could not be started")

	errJobTimedOut = errors.New("packaging timed out")
)

// Job is one invocation of the packaging tool against one manifest.
type Job struct {
	// Sequence is the 1-based queue position.
	Sequence int
	// Package is the package id of the manifest.
	Package string
	// Manifest is the manifest path passed to the tool.
	Manifest string
	// State is the current lifecycle state.
	State State
	// ExitCode is the process exit status, -1 when killed by a signal.
	ExitCode int
	// StartedAt is set when the job becomes Running.
	StartedAt time.Time
	// ExitedAt is set when the process has terminated.
	ExitedAt time.Time
	// Err describes why the job did not succeed.
	Err error
}

// Succeeded reports whether the job exited cleanly.
func (j *Job) Succeeded() bool {
	return j.State == StateExited && j.Err == nil
}

// Duration is the time between start and exit.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.ExitedAt.IsZero() {
		return 0
	}

	return j.ExitedAt.Sub(j.StartedAt)
}

// Summary aggregates the outcome of PackAll.
type Summary struct {
	// Jobs are the final job states in queue order.
	Jobs []Job
	// Succeeded counts jobs that exited with status 0.
	Succeeded int
	// Failed counts jobs that exited with a non-zero status or timed out.
	Failed int
	// Abandoned counts jobs whose process could not be started.
	Abandoned int
	// Cancelled counts jobs never started because the run was interrupted.
	Cancelled int
}

func newSummary(jobs []*Job) *Summary {
	summary := &Summary{
		Jobs: make([]Job, 0, len(jobs)),
	}

	for _, job := range jobs {
		summary.Jobs = append(summary.Jobs, *job)

		switch {
		case job.Succeeded():
			summary.Succeeded++
		case job.State == StateExited:
			summary.Failed++
		case job.State == StateAbandoned:
			summary.Abandoned++
		case job.State == StateCancelled:
			summary.Cancelled++
		}
	}

	return summary
}

// Total is the number of jobs.
func (s *Summary) Total() int {
	return len(s.Jobs)
}

// Err joins the errors of every unsuccessful job, or returns nil.
func (s *Summary) Err() error {
	var errs []error

	for i := range s.Jobs {
		if s.Jobs[i].Err != nil {
			errs = append(errs, s.Jobs[i].Err)
		}
	}

	return errors.Join(errs...)
}
