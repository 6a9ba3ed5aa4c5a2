package app

import (
	"context"
	"errors"
	"strings"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"ragsyncd/internal/config"
	"ragsyncd/internal/control"
	"ragsyncd/internal/eventbus"
	"ragsyncd/internal/registry"
	rtsup "ragsyncd/internal/runtime/supervisor"
	"ragsyncd/internal/scheduler"
	"ragsyncd/internal/state"
	"ragsyncd/internal/worker"
	logx "ragsyncd/pkg/logx"
)

// App owns every component of the daemon and wires them together. One App
// per process; all lifetimes are explicit (no ambient globals).
type App struct {
	cfg *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   state.Store
	reg     *registry.Registry
	ctrl    *control.DirReader
	watcher *control.Watcher
	pool    *worker.Pool
	sched   *scheduler.Scheduler

	sup *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	bus := eventbus.New()

	store, err := state.Open(state.Config{
		Driver: cfg.StateDriver,
		Path:   cfg.StatePath,
	}, log.With(logx.String("comp", "state")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	reg := registry.New(cfg.RegistryPath, log.With(logx.String("comp", "registry")))
	ctrl := control.NewDirReader(cfg.ControlDir, log.With(logx.String("comp", "control")))
	watcher := control.NewWatcher(cfg.ControlDir, log.With(logx.String("comp", "control")))

	base, maxB := cfg.EffectiveBackoff()
	pool := worker.New(worker.Config{
		Workers:          cfg.EffectiveWorkers(),
		TickInterval:     cfg.EffectiveTickInterval(),
		BaseBackoff:      base,
		MaxBackoff:       maxB,
		FailureCap:       cfg.EffectiveFailureCap(),
		RunnerCmd:        cfg.EffectiveRunnerCmd(),
		LaunchRatePerSec: cfg.LaunchRatePerSec,
	}, store, log.With(logx.String("comp", "worker")), bus)

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.EffectiveTickInterval(),
	}, reg, store, ctrl, pool, log.With(logx.String("comp", "scheduler")), bus)
	sched.SetNudge(watcher.Nudge())

	return &App{
		cfg:     cfg,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   store,
		reg:     reg,
		ctrl:    ctrl,
		watcher: watcher,
		pool:    pool,
		sched:   sched,
	}, nil
}

// Logger exposes the root logger (used by main for fatal reporting).
func (a *App) Logger() logx.Logger { return a.log }

// Stopped is closed when the scheduler reaches its terminal state, which
// happens on a shutdown control signal or an explicit Stop.
func (a *App) Stopped() <-chan struct{} { return a.sched.Stopped() }

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.recoverInterrupted(ctx)

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.pool.Start(ctx)

	// The watcher is an accelerator only; keep restarting it on failure but
	// never let it take anything else down.
	a.sup.GoRestart("control.watcher", a.watcher.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.sup.GoRestart("scheduler", a.sched.Run,
		rtsup.WithPublishFirstError(true),
	)

	// Log job/tick events for observability (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level; ticks fire constantly.
					fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
					if je, ok := e.Data.(worker.JobEvent); ok {
						fields = append(fields, logx.String("repo", je.RepoID))
					}
					a.log.Debug("event", fields...)
				}
			}
		})
	}

	notifySystemd(a.log, sdnotify.SdNotifyReady)
	a.startWatchdog()

	a.log.Info("daemon started",
		logx.String("registry", a.cfg.RegistryPath),
		logx.String("state", a.cfg.StatePath),
		logx.String("control_dir", a.cfg.ControlDir),
		logx.Int("max_concurrent_jobs", a.cfg.EffectiveWorkers()),
		logx.Duration("tick", a.cfg.EffectiveTickInterval()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	notifySystemd(a.log, sdnotify.SdNotifyStopping)

	a.sched.Stop()
	a.pool.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}

	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("daemon stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// recoverInterrupted sweeps states left in "running" by a previous process
// that died mid-job. Without this, a stale running status would block
// non-forced submissions for that repo forever.
func (a *App) recoverInterrupted(ctx context.Context) {
	states, err := a.store.LoadAll(ctx)
	if err != nil {
		a.log.Warn("state load failed during startup sweep", logx.Err(err))
		return
	}
	now := time.Now()
	for id, st := range states {
		if st.LastStatus != state.StatusRunning {
			continue
		}
		a.log.Warn("repo was left running by a previous process, marking error", logx.String("repo", id))
		if err := a.store.Update(ctx, id, func(st state.RepoState) state.RepoState {
			st.LastStatus = state.StatusError
			st.LastError = "interrupted by daemon restart"
			st.LastFinishAt = now
			st.NextEligibleAt = now
			return st
		}); err != nil {
			a.log.Error("state persist failed during startup sweep", logx.String("repo", id), logx.Err(err))
		}
	}
}

// startWatchdog pings the systemd watchdog at half its interval, when one
// is configured for the unit.
func (a *App) startWatchdog() {
	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("sd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				notifySystemd(a.log, sdnotify.SdNotifyWatchdog)
			}
		}
	})
}

func notifySystemd(log logx.Logger, msg string) {
	sent, err := sdnotify.SdNotify(false, msg)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", strings.TrimSpace(msg)), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", strings.TrimSpace(msg)))
	}
}
