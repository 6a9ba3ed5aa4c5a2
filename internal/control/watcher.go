package control

import (
	"context"

	"github.com/fsnotify/fsnotify"

	logx "ragsyncd/pkg/logx"
)

// Watcher nudges the scheduler when a marker file lands in the control
// directory, so operators don't wait out a full tick interval for a forced
// refresh to be noticed. It is purely an accelerator: every signal is still
// picked up by the regular per-tick sweep even if the watcher is down.
type Watcher struct {
	dir   string
	log   logx.Logger
	nudge chan struct{}
}

func NewWatcher(dir string, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		dir:   dir,
		log:   log,
		nudge: make(chan struct{}, 1),
	}
}

// Nudge returns the channel the scheduler selects on alongside its ticker.
func (w *Watcher) Nudge() <-chan struct{} { return w.nudge }

// Run watches the control directory until ctx is canceled. Intended to be
// hosted under the runtime supervisor with restart-on-error.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.log.Debug("control watcher started", logx.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				select {
				case w.nudge <- struct{}{}:
				default:
					// A nudge is already pending; one wakeup covers all markers.
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("control watcher error", logx.Err(err))
		}
	}
}
