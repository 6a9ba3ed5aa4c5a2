package state

import (
	"context"
	"errors"
	"strings"

	logx "ragsyncd/pkg/logx"
)

// Store is the durable per-repository state map.
//
// Update is the only sanctioned way to mutate state: callers never write
// fields directly, which keeps lock ownership and persistence in one place.
type Store interface {
	// LoadAll returns a copy of the full persisted map (empty if the store
	// does not yet exist).
	LoadAll(ctx context.Context) (map[string]RepoState, error)

	// Get returns the state for one repository, reporting whether it exists.
	Get(ctx context.Context, repoID string) (RepoState, bool)

	// Update applies mutate under the store lock and persists the result.
	// If no state exists yet, mutate receives a zero-valued RepoState with
	// status "never". A persistence failure leaves the in-memory state
	// updated (degraded best-effort mode) and is returned for loud logging.
	Update(ctx context.Context, repoID string, mutate func(RepoState) RepoState) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + cfg.Driver)
	}
}
