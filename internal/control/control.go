// Package control is the filesystem-based control plane.
//
// External tooling drops marker files into the control directory; the
// scheduler consumes them once per tick. The Reader interface keeps the
// transport swappable (socket, pipe, RPC) without touching scheduler logic.
package control

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "ragsyncd/pkg/logx"
)

// Marker file names recognized in the control directory.
const (
	markerRefreshAll    = "refresh-all"
	markerShutdown      = "shutdown"
	markerRefreshPrefix = "refresh."
)

// Events is what one sweep of the control directory yielded.
// Re-derived every tick; never persisted.
type Events struct {
	RefreshAll     bool
	RefreshRepoIDs []string
	Shutdown       bool
}

func (e Events) Empty() bool {
	return !e.RefreshAll && !e.Shutdown && len(e.RefreshRepoIDs) == 0
}

// ForceFor reports whether the given repo is force-tagged by these events.
func (e Events) ForceFor(repoID string) bool {
	if e.RefreshAll {
		return true
	}
	for _, id := range e.RefreshRepoIDs {
		if id == repoID {
			return true
		}
	}
	return false
}

// Reader reads pending control events. Implementations must be safe to call
// once per tick and must consume signals so they do not re-fire.
type Reader interface {
	ReadEvents() (Events, error)
}

// DirReader consumes marker files from a directory:
//
//	refresh-all       force-refresh every registered repository this tick
//	refresh.<repo_id> force-refresh one repository
//	shutdown          stop the daemon gracefully
//
// Markers are removed after being read. If a removal fails the signal is
// still reported this tick and may fire once more on the next one; every
// marker is idempotent so that is harmless.
type DirReader struct {
	dir string
	log logx.Logger
}

func NewDirReader(dir string, log logx.Logger) *DirReader {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Best effort: tooling may create it first.
	_ = os.MkdirAll(dir, 0o755)
	return &DirReader{dir: dir, log: log}
}

func (r *DirReader) ReadEvents() (Events, error) {
	var ev Events

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ev, nil
		}
		return ev, err
	}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		switch {
		case name == markerRefreshAll:
			ev.RefreshAll = true
			r.consume(name)
		case name == markerShutdown:
			ev.Shutdown = true
			r.consume(name)
		case strings.HasPrefix(name, markerRefreshPrefix):
			id := strings.TrimPrefix(name, markerRefreshPrefix)
			if id != "" {
				ev.RefreshRepoIDs = append(ev.RefreshRepoIDs, id)
			}
			r.consume(name)
		}
	}

	// Stable order keeps logs and tests deterministic.
	sort.Strings(ev.RefreshRepoIDs)
	return ev, nil
}

func (r *DirReader) consume(name string) {
	if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !os.IsNotExist(err) {
		r.log.Warn("control marker not removed, may re-fire once", logx.String("marker", name), logx.Err(err))
	}
}
