package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ragsyncd/pkg/logx"
)

// fileStore keeps the whole map in memory and rewrites one JSON document
// atomically (write temp, then rename) on every Update. A crash between
// updates can lose at most the in-flight mutation, never corrupt the file.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	states map[string]RepoState
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, states: map[string]RepoState{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: empty store.
	case err != nil:
		// Unreadable state is a configuration error, not a fatal one.
		log.Warn("state file unreadable, starting empty", logx.String("path", path), logx.Err(err))
	default:
		var m map[string]RepoState
		if err := json.Unmarshal(b, &m); err != nil {
			log.Warn("state file corrupt, starting empty", logx.String("path", path), logx.Err(err))
		} else {
			for k, v := range m {
				s.states[k] = v.normalized()
			}
		}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LoadAll(ctx context.Context) (map[string]RepoState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RepoState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, repoID string) (RepoState, bool) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[repoID]
	if !ok {
		return RepoState{}, false
	}
	return st, true
}

func (s *fileStore) Update(ctx context.Context, repoID string, mutate func(RepoState) RepoState) error {
	_ = ctx
	repoID = strings.TrimSpace(repoID)
	if repoID == "" {
		return errors.New("empty repo id")
	}
	if mutate == nil {
		return errors.New("nil mutator")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.states[repoID].normalized()
	s.states[repoID] = mutate(cur).normalized()

	if err := s.persistLocked(); err != nil {
		// In-memory state stays updated; the caller logs this loudly.
		return err
	}
	return nil
}

func (s *fileStore) persistLocked() error {
	b, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
