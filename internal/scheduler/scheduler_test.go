package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ragsyncd/internal/control"
	"ragsyncd/internal/eventbus"
	"ragsyncd/internal/registry"
	"ragsyncd/internal/state"
	"ragsyncd/internal/worker"
	logx "ragsyncd/pkg/logx"
)

// recordingRunner records executed jobs without doing any work.
type recordingRunner struct {
	mu    sync.Mutex
	jobs  []worker.Job
	block chan struct{} // when non-nil, jobs wait here
}

func (r *recordingRunner) run(ctx context.Context, job worker.Job) worker.JobResult {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	return worker.JobResult{Success: true}
}

func (r *recordingRunner) snapshot() []worker.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]worker.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func (r *recordingRunner) waitCalls(t *testing.T, n int) []worker.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner saw %d calls, want %d", len(r.snapshot()), n)
	return nil
}

type fixture struct {
	sched      *Scheduler
	store      state.Store
	runner     *recordingRunner
	controlDir string
}

func newFixture(t *testing.T, registryYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(regPath, []byte(registryYAML), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	store, err := state.Open(state.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	controlDir := filepath.Join(dir, "control")
	ctrl := control.NewDirReader(controlDir, logx.Nop())

	runner := &recordingRunner{}
	pool := worker.New(worker.Config{Workers: 4, TickInterval: time.Minute}, store, logx.Nop(), nil)
	pool.SetRunner(runner.run)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	reg := registry.New(regPath, logx.Nop())
	sched := New(Config{TickInterval: time.Minute}, reg, store, ctrl, pool, logx.Nop(), nil)

	return &fixture{sched: sched, store: store, runner: runner, controlDir: controlDir}
}

func (f *fixture) touchMarker(t *testing.T, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.controlDir, name), nil, 0o644); err != nil {
		t.Fatalf("touch marker: %v", err)
	}
}

// seedFinished records a run that finished `ago` in the past with the given
// minimum interval, mirroring what the pool's result handling writes.
func (f *fixture) seedFinished(t *testing.T, repoID string, ago, minInterval time.Duration) {
	t.Helper()
	finish := time.Now().Add(-ago)
	err := f.store.Update(context.Background(), repoID, func(st state.RepoState) state.RepoState {
		st.LastStatus = state.StatusSuccess
		st.LastFinishAt = finish
		st.NextEligibleAt = finish.Add(minInterval + 5*time.Second)
		return st
	})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

const oneRepo = `
- repo_id: repo1
  repo_path: /srv/repos/repo1
  rag_workspace_path: /srv/rag/repo1
`

const threeRepos = `
- repo_id: repo1
  repo_path: /srv/repos/repo1
  rag_workspace_path: /srv/rag/repo1
  min_refresh_interval_seconds: 300
- repo_id: repo2
  repo_path: /srv/repos/repo2
  rag_workspace_path: /srv/rag/repo2
  min_refresh_interval_seconds: 600
- repo_id: repo3
  repo_path: /srv/repos/repo3
  rag_workspace_path: /srv/rag/repo3
  min_refresh_interval_seconds: 600
`

func TestEligible(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		name   string
		st     state.RepoState
		exists bool
		force  bool
		want   bool
	}{
		{name: "no state means first run", exists: false, want: true},
		{name: "cooldown not over", st: state.RepoState{NextEligibleAt: now.Add(215 * time.Second)}, exists: true, want: false},
		{name: "cooldown over", st: state.RepoState{NextEligibleAt: now.Add(-5 * time.Second)}, exists: true, want: true},
		{name: "exactly due", st: state.RepoState{NextEligibleAt: now}, exists: true, want: true},
		{name: "force beats cooldown", st: state.RepoState{NextEligibleAt: now.Add(time.Hour)}, exists: true, force: true, want: true},
		{name: "force without state", exists: false, force: true, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Eligible(tt.st, tt.exists, now, tt.force); got != tt.want {
				t.Fatalf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibilityByElapsedTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `
- repo_id: repo1
  repo_path: /srv/repos/repo1
  rag_workspace_path: /srv/rag/repo1
  min_refresh_interval_seconds: 300
- repo_id: repo2
  repo_path: /srv/repos/repo2
  rag_workspace_path: /srv/rag/repo2
  min_refresh_interval_seconds: 300
- repo_id: repo3
  repo_path: /srv/repos/repo3
  rag_workspace_path: /srv/rag/repo3
`)
	ctx := context.Background()

	// Both have a 300s minimum. repo1 finished 90s ago: still cooling down.
	// repo2 finished 310s ago: due again. repo3 has never run: due.
	f.seedFinished(t, "repo1", 90*time.Second, 300*time.Second)
	f.seedFinished(t, "repo2", 310*time.Second, 300*time.Second)

	f.sched.tick(ctx)
	jobs := f.runner.waitCalls(t, 2)
	time.Sleep(50 * time.Millisecond)
	jobs = f.runner.snapshot()

	seen := map[string]bool{}
	for _, j := range jobs {
		seen[j.Repo.ID] = true
		if j.Force {
			t.Fatalf("job for %s unexpectedly force-tagged", j.Repo.ID)
		}
	}
	if seen["repo1"] {
		t.Fatal("repo1 scheduled while still in cooldown")
	}
	if !seen["repo2"] || !seen["repo3"] {
		t.Fatalf("expected repo2 and repo3 scheduled, got %v", seen)
	}
}

func TestRefreshAllForcesEveryRepo(t *testing.T) {
	t.Parallel()
	f := newFixture(t, threeRepos)
	ctx := context.Background()

	// All three finished 10s ago: normally ineligible.
	f.seedFinished(t, "repo1", 10*time.Second, 300*time.Second)
	f.seedFinished(t, "repo2", 10*time.Second, 600*time.Second)
	f.seedFinished(t, "repo3", 10*time.Second, 600*time.Second)

	f.sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := f.runner.snapshot(); len(got) != 0 {
		t.Fatalf("expected no jobs without a signal, got %d", len(got))
	}

	f.touchMarker(t, "refresh-all")
	f.sched.tick(ctx)

	jobs := f.runner.waitCalls(t, 3)
	for _, j := range jobs {
		if !j.Force {
			t.Fatalf("job for %s not force-tagged", j.Repo.ID)
		}
	}
}

func TestRefreshOneForcesOnlyThatRepo(t *testing.T) {
	t.Parallel()
	f := newFixture(t, threeRepos)
	ctx := context.Background()

	f.seedFinished(t, "repo1", 10*time.Second, 300*time.Second)
	f.seedFinished(t, "repo2", 10*time.Second, 600*time.Second)
	f.seedFinished(t, "repo3", 10*time.Second, 600*time.Second)

	f.touchMarker(t, "refresh.repo1")
	f.sched.tick(ctx)

	jobs := f.runner.waitCalls(t, 1)
	time.Sleep(50 * time.Millisecond)
	jobs = f.runner.snapshot()

	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(jobs))
	}
	if jobs[0].Repo.ID != "repo1" || !jobs[0].Force {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
}

func TestRunningRepoExcludedFromTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t, oneRepo)
	ctx := context.Background()

	f.runner.block = make(chan struct{})
	defer close(f.runner.block)

	f.sched.tick(ctx)
	f.runner.waitCalls(t, 1)

	// A second tick while the job is in flight must not duplicate it.
	f.sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := f.runner.snapshot(); len(got) != 1 {
		t.Fatalf("in-flight repo rescheduled: %d calls", len(got))
	}
}

func TestShutdownMarkerStopsScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, threeRepos)
	ctx := context.Background()

	f.touchMarker(t, "shutdown")
	f.sched.tick(ctx)

	select {
	case <-f.sched.Stopped():
	default:
		t.Fatal("scheduler not stopped after shutdown marker")
	}

	// Ticks after stop are no-ops.
	f.sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := f.runner.snapshot(); len(got) != 0 {
		t.Fatalf("stopped scheduler still submitted %d jobs", len(got))
	}
}

func TestTickPublishesCompletionEvent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(regPath, []byte(oneRepo), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	store, err := state.Open(state.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	runner := &recordingRunner{}
	pool := worker.New(worker.Config{Workers: 1, TickInterval: time.Minute}, store, logx.Nop(), bus)
	pool.SetRunner(runner.run)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Stop(context.Background()) })

	ctrl := control.NewDirReader(filepath.Join(dir, "control"), logx.Nop())
	sched := New(Config{TickInterval: time.Minute}, registry.New(regPath, logx.Nop()), store, ctrl, pool, logx.Nop(), bus)

	sched.tick(context.Background())

	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != "tick.completed" {
				// Job lifecycle events from the same tick are fine; skip them.
				continue
			}
			te, ok := e.Data.(TickEvent)
			if !ok {
				t.Fatalf("tick.completed carries %#v, want TickEvent", e.Data)
			}
			if te.Repos != 1 || te.Submitted != 1 || te.Forced {
				t.Fatalf("unexpected tick event %+v", te)
			}
			return
		case <-timeout:
			t.Fatal("tick.completed never published")
		}
	}
}

func TestTickSurvivesControlError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(regPath, []byte(threeRepos), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	store, err := state.Open(state.Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool := worker.New(worker.Config{Workers: 1, TickInterval: time.Minute}, store, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Stop(context.Background()) })

	sched := New(Config{TickInterval: time.Minute}, registry.New(regPath, logx.Nop()), store, failingReader{}, pool, logx.Nop(), nil)

	// Must not panic and must not stop the scheduler.
	sched.tick(context.Background())
	select {
	case <-sched.Stopped():
		t.Fatal("control error stopped the scheduler")
	default:
	}
}

type failingReader struct{}

func (failingReader) ReadEvents() (control.Events, error) {
	return control.Events{}, fmt.Errorf("control plane unavailable")
}
