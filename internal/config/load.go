package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Defaults applied by Load when fields are omitted.
const (
	DefaultTickInterval           = 60 * time.Second
	DefaultMaxConcurrentJobs      = 2
	DefaultMaxConsecutiveFailures = 5
	DefaultBaseBackoff            = 60 * time.Second
	DefaultMaxBackoff             = time.Hour
	DefaultRunnerCmd              = "rag-index-runner"
)

// Load reads, strictly decodes, and validates the daemon config.
//
// Unlike the registry (which is forgiving by contract), a broken daemon
// config is a startup error: the process has nothing sensible to do
// without one.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants stated for the daemon config:
// tick interval > 0, max backoff >= base backoff, and required paths present.
func (c *Config) Validate() error {
	tick, err := ParseDurationOrDefault("tick_interval", c.TickInterval, DefaultTickInterval)
	if err != nil {
		return err
	}
	if tick <= 0 {
		return errors.New("tick_interval must be > 0")
	}

	base, err := ParseDurationOrDefault("base_backoff", c.BaseBackoff, DefaultBaseBackoff)
	if err != nil {
		return err
	}
	maxB, err := ParseDurationOrDefault("max_backoff", c.MaxBackoff, DefaultMaxBackoff)
	if err != nil {
		return err
	}
	if maxB < base {
		return fmt.Errorf("max_backoff (%s) must be >= base_backoff (%s)", maxB, base)
	}

	if c.MaxConcurrentJobs < 0 {
		return errors.New("max_concurrent_jobs must be >= 0")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.New("max_consecutive_failures must be >= 0")
	}
	if c.LaunchRatePerSec < 0 {
		return errors.New("launch_rate_per_sec must be >= 0")
	}

	if strings.TrimSpace(c.RegistryPath) == "" {
		return errors.New("registry_path is required")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return errors.New("state_path is required")
	}
	if strings.TrimSpace(c.ControlDir) == "" {
		return errors.New("control_dir is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.StateDriver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown state_driver: %q", c.StateDriver)
	}
	return nil
}

// EffectiveTickInterval returns the parsed tick interval with defaults applied.
// Validate() must have succeeded for this to be meaningful.
func (c *Config) EffectiveTickInterval() time.Duration {
	d, err := ParseDurationOrDefault("tick_interval", c.TickInterval, DefaultTickInterval)
	if err != nil || d <= 0 {
		return DefaultTickInterval
	}
	return d
}

// EffectiveBackoff returns the parsed (base, max) backoff pair with defaults applied.
func (c *Config) EffectiveBackoff() (base, max time.Duration) {
	base, err := ParseDurationOrDefault("base_backoff", c.BaseBackoff, DefaultBaseBackoff)
	if err != nil || base <= 0 {
		base = DefaultBaseBackoff
	}
	max, err = ParseDurationOrDefault("max_backoff", c.MaxBackoff, DefaultMaxBackoff)
	if err != nil || max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < base {
		max = base
	}
	return base, max
}

// EffectiveWorkers returns max_concurrent_jobs with the default applied.
func (c *Config) EffectiveWorkers() int {
	if c.MaxConcurrentJobs <= 0 {
		return DefaultMaxConcurrentJobs
	}
	return c.MaxConcurrentJobs
}

// EffectiveFailureCap returns max_consecutive_failures with the default applied.
func (c *Config) EffectiveFailureCap() int {
	if c.MaxConsecutiveFailures <= 0 {
		return DefaultMaxConsecutiveFailures
	}
	return c.MaxConsecutiveFailures
}

// EffectiveRunnerCmd returns runner_cmd with the default applied.
func (c *Config) EffectiveRunnerCmd() string {
	cmd := strings.TrimSpace(c.RunnerCmd)
	if cmd == "" {
		return DefaultRunnerCmd
	}
	return cmd
}
