package registry

import (
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	logx "ragsyncd/pkg/logx"
)

// Repo describes one registered repository.
//
// Descriptors are recreated fresh on every Load and never mutated; the
// registry file is external configuration, not daemon-owned state.
type Repo struct {
	ID            string `yaml:"repo_id"`
	Path          string `yaml:"repo_path"`
	WorkspacePath string `yaml:"rag_workspace_path"`
	DisplayName   string `yaml:"display_name,omitempty"`
	Profile       string `yaml:"rag_profile,omitempty"`

	// MinRefreshIntervalSeconds overrides the daemon tick interval as the
	// effective minimum between refreshes. 0 means "use the tick interval".
	MinRefreshIntervalSeconds int `yaml:"min_refresh_interval_seconds,omitempty"`

	// RefreshSchedule is an optional cron expression. When set, a successful
	// run's next-eligible time is aligned to the schedule in addition to the
	// minimum interval.
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`

	// Schedule is the parsed RefreshSchedule (nil when absent or invalid).
	Schedule cron.Schedule `yaml:"-"`
}

// MinRefreshInterval returns the per-repo minimum interval, or fallback when
// the entry does not set one.
func (r Repo) MinRefreshInterval(fallback time.Duration) time.Duration {
	if r.MinRefreshIntervalSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.MinRefreshIntervalSeconds) * time.Second
}

// Registry loads the declarative repository list. Pure read, no mutation.
type Registry struct {
	path   string
	log    logx.Logger
	parser cron.Parser
}

func New(path string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		path: path,
		log:  log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Load reads the registry file and returns the descriptor map keyed by repo ID.
//
// Missing file, empty file, and parse failures all yield an empty map; a
// broken registry must never take a tick down with it. Entries with no ID
// are dropped; duplicate IDs keep the first occurrence. Path validity is
// not checked here (that is the job runner's problem).
func (g *Registry) Load() map[string]Repo {
	out := map[string]Repo{}

	b, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.log.Warn("registry unreadable", logx.String("path", g.path), logx.Err(err))
		}
		return out
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out
	}

	var entries []Repo
	if err := yaml.Unmarshal(b, &entries); err != nil {
		g.log.Warn("registry parse failed", logx.String("path", g.path), logx.Err(err))
		return out
	}

	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		if _, dup := out[id]; dup {
			g.log.Warn("duplicate repo_id in registry", logx.String("repo", id))
			continue
		}
		e.ID = id

		if spec := strings.TrimSpace(e.RefreshSchedule); spec != "" {
			sched, err := g.parser.Parse(spec)
			if err != nil {
				g.log.Warn("invalid refresh_schedule, ignoring", logx.String("repo", id), logx.String("spec", spec), logx.Err(err))
			} else {
				e.Schedule = sched
			}
		}

		out[id] = e
	}
	return out
}
