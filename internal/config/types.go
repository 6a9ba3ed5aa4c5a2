package config

// Config is the daemon configuration, loaded once at startup and immutable
// for the process lifetime.
//
// All duration fields are Go duration strings (e.g. "500ms", "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "60s"
//   - max_concurrent_jobs: 2
//   - max_consecutive_failures: 5
//   - base_backoff: "60s"
//   - max_backoff: "1h"
//   - state_driver: "file"
//   - runner_cmd: "rag-index-runner"
//   - launch_rate_per_sec: 0 (disabled)
type Config struct {
	TickInterval           string `json:"tick_interval,omitempty"`
	MaxConcurrentJobs      int    `json:"max_concurrent_jobs,omitempty"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures,omitempty"`
	BaseBackoff            string `json:"base_backoff,omitempty"`
	MaxBackoff             string `json:"max_backoff,omitempty"`

	// RegistryPath points at the externally maintained repository list (YAML).
	RegistryPath string `json:"registry_path"`

	// StatePath is the per-daemon state store location.
	// For the "file" driver this is a single JSON document; for "sqlite"
	// it is the database file.
	StatePath   string `json:"state_path"`
	StateDriver string `json:"state_driver,omitempty"`

	// ControlDir is polled each tick for marker files
	// (refresh-all, refresh.<repo_id>, shutdown).
	ControlDir string `json:"control_dir"`

	// RunnerCmd is the external job runner invoked per repository as
	// `runner_cmd --repo <path> --workspace <path> [--profile <name>]`.
	RunnerCmd string `json:"runner_cmd,omitempty"`

	// LaunchRatePerSec caps job-runner subprocess launches per second.
	// 0 disables rate limiting.
	LaunchRatePerSec int `json:"launch_rate_per_sec,omitempty"`

	Logging LoggingConfig `json:"logging,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}
