package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "ragsyncd/pkg/logx"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadMissingOrEmptyOrBroken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		missing bool
	}{
		{name: "missing file", missing: true},
		{name: "empty file", content: ""},
		{name: "whitespace only", content: "\n\n  \n"},
		{name: "not yaml", content: "{{{ definitely not yaml ]"},
		{name: "wrong shape", content: "just_a_scalar"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "registry.yaml")
			if !tt.missing {
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			got := New(path, logx.Nop()).Load()
			if len(got) != 0 {
				t.Fatalf("expected empty map, got %d entries", len(got))
			}
		})
	}
}

func TestLoadEntries(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, `
- repo_id: alpha
  repo_path: /srv/repos/alpha
  rag_workspace_path: /srv/rag/alpha
  display_name: Alpha
  rag_profile: fast
  min_refresh_interval_seconds: 300
- repo_id: beta
  repo_path: /srv/repos/beta
  rag_workspace_path: /srv/rag/beta
- repo_id: ""
  repo_path: /srv/repos/noid
  rag_workspace_path: /srv/rag/noid
`)

	got := New(path, logx.Nop()).Load()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}

	alpha := got["alpha"]
	if alpha.Path != "/srv/repos/alpha" || alpha.WorkspacePath != "/srv/rag/alpha" {
		t.Fatalf("unexpected alpha paths: %+v", alpha)
	}
	if alpha.Profile != "fast" || alpha.DisplayName != "Alpha" {
		t.Fatalf("unexpected alpha metadata: %+v", alpha)
	}
	if d := alpha.MinRefreshInterval(time.Minute); d != 5*time.Minute {
		t.Fatalf("MinRefreshInterval = %v, want 5m", d)
	}

	// beta has no override, so the fallback wins.
	if d := got["beta"].MinRefreshInterval(time.Minute); d != time.Minute {
		t.Fatalf("fallback MinRefreshInterval = %v, want 1m", d)
	}
}

func TestLoadDuplicateKeepsFirst(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, `
- repo_id: alpha
  repo_path: /first
  rag_workspace_path: /ws
- repo_id: alpha
  repo_path: /second
  rag_workspace_path: /ws
`)

	got := New(path, logx.Nop()).Load()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got["alpha"].Path != "/first" {
		t.Fatalf("expected first occurrence to win, got %q", got["alpha"].Path)
	}
}

func TestLoadRefreshSchedule(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, `
- repo_id: cron-repo
  repo_path: /srv/repos/c
  rag_workspace_path: /srv/rag/c
  refresh_schedule: "0 3 * * *"
- repo_id: bad-cron
  repo_path: /srv/repos/b
  rag_workspace_path: /srv/rag/b
  refresh_schedule: "not a cron spec"
`)

	got := New(path, logx.Nop()).Load()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got["cron-repo"].Schedule == nil {
		t.Fatal("expected parsed schedule for cron-repo")
	}
	// An invalid schedule is ignored, not fatal; the entry still loads.
	if got["bad-cron"].Schedule != nil {
		t.Fatal("expected nil schedule for bad-cron")
	}

	next := got["cron-repo"].Schedule.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if next.Hour() != 3 {
		t.Fatalf("schedule Next hour = %d, want 3", next.Hour())
	}
}
