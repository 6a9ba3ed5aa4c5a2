package state

import (
	"encoding/json"
	"time"
)

// Status is the last known run status of a repository.
type Status string

const (
	StatusNever   Status = "never"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// RepoState is the persisted per-repository run history.
//
// Invariants (enforced by the worker pool's result handling, not here):
//   - ConsecutiveFailures resets to 0 exactly when status becomes success.
//   - NextEligibleAt is always set when status leaves running.
type RepoState struct {
	LastStartAt         time.Time       `json:"last_start_at"`
	LastFinishAt        time.Time       `json:"last_finish_at"`
	LastStatus          Status          `json:"last_status"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextEligibleAt      time.Time       `json:"next_eligible_at"`
	LastSummary         json.RawMessage `json:"last_summary,omitempty"`

	// Degraded is set once ConsecutiveFailures reaches the configured cap.
	// It is informational (logged on entry); the backoff ceiling already
	// bounds retry pressure.
	Degraded bool `json:"degraded,omitempty"`
}

func (s RepoState) normalized() RepoState {
	if s.LastStatus == "" {
		s.LastStatus = StatusNever
	}
	return s
}

// Config configures the state store.
//
// Driver values:
//   - "file": single JSON document, write-temp-then-rename on every update
//   - "sqlite": SQLite database file (optional build tag)
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
