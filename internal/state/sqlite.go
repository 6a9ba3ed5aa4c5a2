//go:build sqlite
// +build sqlite

package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "ragsyncd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// One writer at a time keeps the read-modify-write in Update atomic
	// without SELECT ... FOR UPDATE gymnastics.
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("state.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadAll(ctx context.Context) (map[string]RepoState, error) {
	out := map[string]RepoState{}
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, state FROM repo_state`)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return out, err
		}
		var st RepoState
		if err := json.Unmarshal(blob, &st); err != nil {
			s.log.Warn("bad state row, skipping", logx.String("repo", id), logx.Err(err))
			continue
		}
		out[id] = st.normalized()
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, repoID string) (RepoState, bool) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM repo_state WHERE repo_id = ?`, repoID).Scan(&blob)
	if err != nil {
		return RepoState{}, false
	}
	var st RepoState
	if err := json.Unmarshal(blob, &st); err != nil {
		return RepoState{}, false
	}
	return st.normalized(), true
}

func (s *sqliteStore) Update(ctx context.Context, repoID string, mutate func(RepoState) RepoState) error {
	repoID = strings.TrimSpace(repoID)
	if repoID == "" {
		return errors.New("empty repo id")
	}
	if mutate == nil {
		return errors.New("nil mutator")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _ := s.Get(ctx, repoID)
	next := mutate(cur.normalized()).normalized()

	blob, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repo_state (repo_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		repoID, blob, time.Now().UnixMilli())
	return err
}
