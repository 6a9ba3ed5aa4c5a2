package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"ragsyncd/internal/control"
	"ragsyncd/internal/eventbus"
	"ragsyncd/internal/registry"
	"ragsyncd/internal/state"
	"ragsyncd/internal/worker"
	logx "ragsyncd/pkg/logx"
)

type Config struct {
	TickInterval time.Duration
}

// TickEvent is published on the bus after every completed tick.
type TickEvent struct {
	Repos     int  `json:"repos"`
	Submitted int  `json:"submitted"`
	Forced    bool `json:"forced,omitempty"`
}

// Scheduler drives the periodic refresh decisions. Two states only:
// running (tick loop alive) and stopped (terminal, after a shutdown signal
// or an explicit Stop).
//
// Each tick reads control signals, loads registry and state snapshots,
// computes the eligible set, and hands jobs to the pool. The tick loop
// never blocks on job completion.
type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	reg   *registry.Registry
	store state.Store
	ctrl  control.Reader
	pool  *worker.Pool

	// nudge lets the control watcher trigger an early tick. Optional.
	nudge <-chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}

	now func() time.Time
}

func New(cfg Config, reg *registry.Registry, store state.Store, ctrl control.Reader, pool *worker.Pool, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		reg:     reg,
		store:   store,
		ctrl:    ctrl,
		pool:    pool,
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// SetNudge installs the early-wakeup channel. Must be called before Run.
func (s *Scheduler) SetNudge(ch <-chan struct{}) { s.nudge = ch }

// Stopped is closed once the scheduler reaches its terminal state.
func (s *Scheduler) Stopped() <-chan struct{} { return s.stopped }

// Stop moves the scheduler to the stopped state. In-flight jobs are not
// affected; the pool is stopped separately by the owner.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Run hosts the tick loop until ctx is canceled or the scheduler stops.
// Intended to run under the runtime supervisor. A failing tick is logged
// and skipped; the loop continues at the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickInterval))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// First tick right away so fresh registrations don't wait out a full
	// interval after daemon start.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-s.stopped:
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-s.nudge:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	select {
	case <-s.stopped:
		return
	default:
	}

	ev, err := s.ctrl.ReadEvents()
	if err != nil {
		s.log.Warn("control read failed, skipping tick", logx.Err(err))
		return
	}
	if ev.Shutdown {
		s.log.Info("shutdown signal received")
		s.Stop()
		return
	}

	repos := s.reg.Load()
	states, err := s.store.LoadAll(ctx)
	if err != nil {
		s.log.Warn("state load failed, skipping tick", logx.Err(err))
		return
	}
	running := s.pool.RunningRepoIDs()
	now := s.now()

	// Deterministic submission order keeps logs and tests stable.
	ids := make([]string, 0, len(repos))
	for id := range repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	jobs := make([]worker.Job, 0, len(ids))
	for _, id := range ids {
		if _, busy := running[id]; busy {
			// Already in flight; the pool's own dedup would also catch this,
			// but skipping here avoids pointless submissions.
			continue
		}

		force := ev.ForceFor(id)
		st, exists := states[id]
		if !Eligible(st, exists, now, force) {
			continue
		}
		jobs = append(jobs, worker.Job{Repo: repos[id], Force: force})
	}

	if len(jobs) > 0 {
		if err := s.pool.SubmitJobs(ctx, jobs); err != nil {
			s.log.Warn("job submission rejected", logx.Int("jobs", len(jobs)), logx.Err(err))
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "tick.completed", Time: now, Data: TickEvent{
			Repos:     len(repos),
			Submitted: len(jobs),
			Forced:    ev.RefreshAll || len(ev.RefreshRepoIDs) > 0,
		}})
	}
	s.log.Debug("tick completed", logx.Int("repos", len(repos)), logx.Int("submitted", len(jobs)))
}

// Eligible reports whether a repository may be scheduled now.
//
//   - force: eligible unconditionally.
//   - no existing state: eligible (first run).
//   - next-eligible-at has passed: eligible.
//   - otherwise: still in cooldown/backoff.
func Eligible(st state.RepoState, exists bool, now time.Time, force bool) bool {
	if force {
		return true
	}
	if !exists {
		return true
	}
	return !st.NextEligibleAt.After(now)
}
