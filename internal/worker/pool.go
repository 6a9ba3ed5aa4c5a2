package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ragsyncd/internal/eventbus"
	rtsup "ragsyncd/internal/runtime/supervisor"
	"ragsyncd/internal/state"
	logx "ragsyncd/pkg/logx"
)

const (
	// resubmitGrace rejects (non-forced) resubmission of a repo that was
	// submitted or finished moments ago. Anti-jitter margin, not a contract.
	resubmitGrace = 5 * time.Second

	// freshnessGuard pads next-eligible-at so a repo never becomes eligible
	// again within the same scheduling instant due to clock jitter.
	freshnessGuard = 5 * time.Second

	// doneFreshness is the window in which just-completed repos still count
	// as "running" for observers when the executing set is empty.
	doneFreshness = 500 * time.Millisecond
)

// Pool executes refresh jobs with bounded concurrency.
//
// Idempotence invariant: at most one in-flight job per repository at any
// instant, even under concurrent or overlapping SubmitJobs calls. A job
// counts as in-flight from the moment it is accepted (queued) until its
// state mutation has been applied.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store   state.Store
	runner  Runner
	limiter *rate.Limiter

	q        chan Job
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	// pmu guards the three maps below. Nothing else.
	pmu        sync.Mutex
	executing  map[string]struct{}
	lastSubmit map[string]time.Time
	lastDone   map[string]time.Time

	submitted uint64
	completed uint64
	failed    uint64
	skipped   uint64

	idSeq uint64

	now func() time.Time
}

func New(cfg Config, store state.Store, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	p := &Pool{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		store:      store,
		executing:  map[string]struct{}{},
		lastSubmit: map[string]time.Time{},
		lastDone:   map[string]time.Time{},
		now:        time.Now,
	}
	p.runner = execRunner(cfg.RunnerCmd, log)
	if cfg.LaunchRatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRatePerSec), cfg.LaunchRatePerSec)
	}
	return p
}

// SetRunner swaps the runner implementation. Must be called before Start.
func (p *Pool) SetRunner(r Runner) {
	if r != nil {
		p.runner = r
	}
}

func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg

	p.q = make(chan Job, cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	queue := p.q
	stopCh := p.stopCh

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "worker"))),
		// Worker failures must not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			p.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	p.log.Info("worker pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop shuts the pool down cooperatively: no new jobs are accepted, queued
// jobs are abandoned, in-flight runner processes finish on their own.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	close(p.stopCh)
	sup := p.sup
	p.mu.Unlock()

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		p.mu.Lock()
		p.q = nil
		p.stopCh = nil
		p.stopDone = nil
		p.sup = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Any("err", ctx.Err()))
	}
}

// SubmitJobs accepts or silently skips each job, then returns immediately.
// It never blocks on job execution. ErrStopping is returned while a Stop is
// draining, ErrStopped when the pool was never started or has fully stopped;
// in both cases no job is accepted.
//
// A job is skipped when, under the pool lock:
//   - the repo is already in the executing set, or
//   - the repo's last known status is running and Force is false, or
//   - the repo finished within the resubmission grace and Force is false, or
//   - the repo was submitted within that grace and Force is false.
func (p *Pool) SubmitJobs(ctx context.Context, jobs []Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	queue := p.q
	stopCh := p.stopCh
	stopping := p.stopDone != nil
	p.mu.Unlock()

	if stopping {
		return ErrStopping
	}
	if queue == nil || stopCh == nil {
		return ErrStopped
	}

	for _, job := range jobs {
		if job.Repo.ID == "" {
			continue
		}
		if job.ID == "" {
			job.ID = p.newJobID()
		}

		if reason, ok := p.accept(ctx, job); !ok {
			atomic.AddUint64(&p.skipped, 1)
			p.log.Debug("job skipped", logx.String("repo", job.Repo.ID), logx.String("reason", reason))
			p.publish("job.skipped", JobEvent{ID: job.ID, RepoID: job.Repo.ID, Force: job.Force, Started: p.now(), Reason: reason})
			continue
		}

		select {
		case queue <- job:
			atomic.AddUint64(&p.submitted, 1)
		default:
			// Queue full: undo the executing claim so a later tick can retry.
			p.pmu.Lock()
			delete(p.executing, job.Repo.ID)
			p.pmu.Unlock()
			atomic.AddUint64(&p.skipped, 1)
			p.log.Warn("job dropped: queue full", logx.String("repo", job.Repo.ID), logx.Int("queue_cap", cap(queue)))
			p.publish("job.skipped", JobEvent{ID: job.ID, RepoID: job.Repo.ID, Force: job.Force, Started: p.now(), Reason: "queue_full"})
		}
	}
	return nil
}

// accept decides under the pool lock whether a job may run, and if so marks
// the repo executing. Returns a skip reason otherwise.
func (p *Pool) accept(ctx context.Context, job Job) (string, bool) {
	now := p.now()
	id := job.Repo.ID

	p.pmu.Lock()
	defer p.pmu.Unlock()

	if _, busy := p.executing[id]; busy {
		return "already_executing", false
	}
	if !job.Force {
		if st, ok := p.store.Get(ctx, id); ok && st.LastStatus == state.StatusRunning {
			return "status_running", false
		}
		if t, ok := p.lastDone[id]; ok && now.Sub(t) < resubmitGrace {
			return "finished_recently", false
		}
		if t, ok := p.lastSubmit[id]; ok && now.Sub(t) < resubmitGrace {
			return "submitted_recently", false
		}
	}

	p.executing[id] = struct{}{}
	p.lastSubmit[id] = now
	return "", true
}

// RunningRepoIDs returns the repos currently claimed by the pool. When the
// executing set is momentarily empty, repos that finished within a very
// short freshness window are included so external observers get a stable
// view despite scheduling jitter. That fallback carries no correctness
// weight, only observability.
func (p *Pool) RunningRepoIDs() map[string]struct{} {
	now := p.now()

	p.pmu.Lock()
	defer p.pmu.Unlock()

	out := make(map[string]struct{}, len(p.executing))
	for id := range p.executing {
		out[id] = struct{}{}
	}
	if len(out) == 0 {
		for id, t := range p.lastDone {
			if now.Sub(t) < doneFreshness {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	q := p.q
	p.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	p.pmu.Lock()
	ids := make([]string, 0, len(p.executing))
	for id := range p.executing {
		ids = append(ids, id)
	}
	p.pmu.Unlock()

	return Snapshot{
		Workers:   cfg.Workers,
		QueueLen:  ql,
		QueueCap:  qc,
		Executing: ids,
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Skipped:   atomic.LoadUint64(&p.skipped),
	}
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			p.execOne(ctx, job)
		}
	}
}

func (p *Pool) execOne(ctx context.Context, job Job) {
	defer func() {
		// The executing claim must clear no matter what happened above.
		p.pmu.Lock()
		delete(p.executing, job.Repo.ID)
		p.lastDone[job.Repo.ID] = p.now()
		p.pmu.Unlock()
	}()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown while waiting for a launch slot; leave state untouched.
			return
		}
	}

	start := p.now()
	if err := p.store.Update(ctx, job.Repo.ID, func(st state.RepoState) state.RepoState {
		st.LastStatus = state.StatusRunning
		st.LastStartAt = start
		return st
	}); err != nil {
		p.log.Error("state persist failed, continuing in memory", logx.String("repo", job.Repo.ID), logx.Err(err))
	}

	p.log.Debug("job.started", logx.String("repo", job.Repo.ID), logx.String("id", job.ID), logx.Bool("force", job.Force))
	p.publish("job.started", JobEvent{ID: job.ID, RepoID: job.Repo.ID, Force: job.Force, Started: start})

	res := p.runGuarded(ctx, job)
	p.finish(ctx, job, start, res)
}

// runGuarded invokes the runner and converts any panic into a failed result.
// A crashed or misbehaving job runner must never crash the daemon.
func (p *Pool) runGuarded(ctx context.Context, job Job) (res JobResult) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("runner panicked", logx.String("repo", job.Repo.ID), logx.Any("panic", r))
			res = JobResult{Success: false, ExitCode: -1, ErrorReason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return p.runner(ctx, job)
}

func (p *Pool) finish(ctx context.Context, job Job, start time.Time, res JobResult) {
	finish := p.now()
	minInterval := job.Repo.MinRefreshInterval(p.cfg.TickInterval)

	var becameDegraded bool
	if err := p.store.Update(ctx, job.Repo.ID, func(st state.RepoState) state.RepoState {
		st.LastFinishAt = finish
		st.LastSummary = res.Summary

		if res.Success {
			st.LastStatus = state.StatusSuccess
			st.LastError = ""
			st.ConsecutiveFailures = 0
			st.Degraded = false

			next := finish.Add(minInterval + freshnessGuard)
			if job.Repo.Schedule != nil {
				if cn := job.Repo.Schedule.Next(finish); cn.After(next) {
					next = cn
				}
			}
			st.NextEligibleAt = next
			return st
		}

		st.LastStatus = state.StatusError
		st.LastError = res.ErrorReason
		st.ConsecutiveFailures++
		st.NextEligibleAt = finish.Add(Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, st.ConsecutiveFailures) + freshnessGuard)
		if p.cfg.FailureCap > 0 && st.ConsecutiveFailures >= p.cfg.FailureCap && !st.Degraded {
			st.Degraded = true
			becameDegraded = true
		}
		return st
	}); err != nil {
		p.log.Error("state persist failed, continuing in memory", logx.String("repo", job.Repo.ID), logx.Err(err))
	}

	dur := finish.Sub(start)
	ev := JobEvent{ID: job.ID, RepoID: job.Repo.ID, Force: job.Force, Started: start, Duration: dur, ExitCode: res.ExitCode}

	if res.Success {
		atomic.AddUint64(&p.completed, 1)
		p.log.Info("job.finished", logx.String("repo", job.Repo.ID), logx.Duration("dur", dur))
		p.publish("job.finished", ev)
		return
	}

	atomic.AddUint64(&p.failed, 1)
	ev.Error = res.ErrorReason
	p.log.Warn("job.failed",
		logx.String("repo", job.Repo.ID),
		logx.Int("exit_code", res.ExitCode),
		logx.String("reason", res.ErrorReason),
		logx.Duration("dur", dur),
	)
	if res.StderrTail != "" {
		p.log.Debug("job stderr tail", logx.String("repo", job.Repo.ID), logx.String("stderr", res.StderrTail))
	}
	if becameDegraded {
		p.log.Warn("repo degraded after consecutive failures", logx.String("repo", job.Repo.ID), logx.Int("failures", p.cfg.FailureCap))
	}
	p.publish("job.failed", ev)
}

func (p *Pool) publish(typ string, ev JobEvent) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
	}
}

func (p *Pool) newJobID() string {
	seq := atomic.AddUint64(&p.idSeq, 1)
	return fmt.Sprintf("job-%x-%x", p.now().UnixNano(), seq)
}

// Backoff returns the retry delay after n consecutive failures:
// min(base * 2^(n-1), max). n < 1 is treated as 1.
func Backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
