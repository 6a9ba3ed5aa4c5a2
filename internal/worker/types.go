package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ragsyncd/internal/registry"
)

// Returned by SubmitJobs when the pool cannot accept work.
var (
	ErrStopped  = errors.New("worker pool stopped")
	ErrStopping = errors.New("worker pool stopping")
)

// Job is one refresh submission. Immutable and transient: created by the
// scheduler, consumed by the pool, discarded after execution.
type Job struct {
	ID   string
	Repo registry.Repo

	// Force bypasses the pool's resubmission grace and the scheduler's
	// eligibility checks (it never bypasses the one-in-flight guarantee).
	Force bool
}

// JobResult is what one job-runner invocation produced.
type JobResult struct {
	Success     bool
	ExitCode    int
	ErrorReason string
	Summary     json.RawMessage

	// Bounded tails of the runner's output, for diagnostics.
	StdoutTail string
	StderrTail string
}

// Runner invokes the external job runner for one job. It must not panic and
// must not return until the runner process has exited; any invocation-level
// failure is expressed as JobResult{Success: false, ExitCode: -1}.
type Runner func(ctx context.Context, job Job) JobResult

// Config controls the pool.
type Config struct {
	// Workers is the global concurrency cap (max_concurrent_jobs).
	Workers   int
	QueueSize int

	// TickInterval is the fallback minimum refresh interval for repos
	// without a per-entry override.
	TickInterval time.Duration

	// BaseBackoff/MaxBackoff bound the exponential failure backoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// FailureCap marks a repo degraded once consecutive failures reach it.
	FailureCap int

	// RunnerCmd is the external program; used by the default runner.
	RunnerCmd string

	// LaunchRatePerSec caps runner subprocess launches. 0 disables.
	LaunchRatePerSec int
}

// JobEvent is emitted on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	RepoID   string        `json:"repo_id"`
	Force    bool          `json:"force,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"` // for job.skipped
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	Executing []string

	Submitted uint64
	Completed uint64
	Failed    uint64
	Skipped   uint64
}
