// Package config provides pipeline configuration loading for gauntlet.
//
// A pipeline is an ordered list of phases. Each phase names the tasks it
// fans out to, how they run (parallel or sequential), its quality
// threshold, and whether a failure is terminal for the whole run.
// Configuration is loaded, never produced, by the engine: malformed
// pipelines fail fast here before any phase executes.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/gauntlet/internal/logging"
	"github.com/fyrsmithlabs/gauntlet/internal/telemetry"
)

// Concurrency modes for a phase.
const (
	ConcurrencyParallel   = "parallel"
	ConcurrencySequential = "sequential"
)

// weightSumEpsilon is the tolerance when checking explicit task weights
// sum to 100.
const weightSumEpsilon = 0.001

// Config is the root gauntlet configuration.
type Config struct {
	// Workspace is the root directory for per-run artifact storage.
	Workspace string `koanf:"workspace"`

	// Provider selects the task provider implementation ("sim").
	Provider string `koanf:"provider"`

	// Tolerance is the width of the conditional-pass band in score
	// points below a phase threshold. Nil means unset; an explicit zero
	// collapses the band so only PASS or FAIL are possible.
	Tolerance *float64 `koanf:"tolerance"`

	// MaxRetries bounds provider retries per task.
	MaxRetries int `koanf:"max_retries"`

	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`

	// Phases execute strictly in list order.
	Phases []PhaseConfig `koanf:"phases"`
}

// PhaseConfig describes one phase of the pipeline.
type PhaseConfig struct {
	ID          string           `koanf:"id"`
	Tasks       []TaskDescriptor `koanf:"tasks"`
	Concurrency string           `koanf:"concurrency"`

	// Timeout bounds the whole phase. TaskTimeout bounds a single task
	// and defaults to the phase timeout.
	Timeout     Duration `koanf:"timeout"`
	TaskTimeout Duration `koanf:"task_timeout"`

	// Threshold is the aggregate score a phase must reach, in [0,100].
	Threshold float64 `koanf:"threshold"`

	// Critical phases fail the run outright and never receive a
	// conditional pass.
	Critical bool `koanf:"critical"`

	// Iterative phases re-run on FAIL up to MaxIterations.
	Iterative     bool `koanf:"iterative"`
	MaxIterations int  `koanf:"max_iterations"`
}

// TaskDescriptor identifies a task within a phase.
type TaskDescriptor struct {
	ID string `koanf:"id"`

	// Weight is this task's share of the phase aggregate, out of 100.
	// Zero for every task in a phase means uniform weighting.
	Weight float64 `koanf:"weight"`

	// Blocking marks a task whose failure skips the remainder of a
	// sequential phase.
	Blocking bool `koanf:"blocking"`
}

// Weights returns the per-task weight map for the phase, uniform when no
// explicit weights are configured.
func (p *PhaseConfig) Weights() map[string]float64 {
	weights := make(map[string]float64, len(p.Tasks))
	explicit := false
	for _, t := range p.Tasks {
		if t.Weight != 0 {
			explicit = true
		}
	}
	for _, t := range p.Tasks {
		if explicit {
			weights[t.ID] = t.Weight
		} else {
			weights[t.ID] = 100.0 / float64(len(p.Tasks))
		}
	}
	return weights
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		cfg.Workspace = "workspace"
	}
	if cfg.Provider == "" {
		cfg.Provider = "sim"
	}
	if cfg.Tolerance == nil {
		tolerance := 5.0
		cfg.Tolerance = &tolerance
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = logging.NewDefaultConfig().Fields
	}

	teldef := telemetry.NewDefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = teldef.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = teldef.Protocol
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = teldef.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = teldef.ServiceVersion
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = teldef.SampleRate
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = teldef.MetricInterval
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = teldef.ShutdownTimeout
	}

	for i := range cfg.Phases {
		p := &cfg.Phases[i]
		if p.Concurrency == "" {
			p.Concurrency = ConcurrencyParallel
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(5 * time.Minute)
		}
		if p.TaskTimeout == 0 {
			p.TaskTimeout = p.Timeout
		}
		if p.Iterative && p.MaxIterations == 0 {
			p.MaxIterations = 3
		}
	}
}

// Validate checks the configuration for errors. Any error here is a
// hard stop: the engine refuses to start a run on a malformed pipeline.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	if c.Tolerance != nil && (*c.Tolerance < 0 || *c.Tolerance > 100) {
		return fmt.Errorf("tolerance must be in [0,100], got %v", *c.Tolerance)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	seenPhases := make(map[string]bool, len(c.Phases))
	for i := range c.Phases {
		p := &c.Phases[i]
		if err := p.validate(); err != nil {
			return fmt.Errorf("phase %q: %w", p.ID, err)
		}
		if seenPhases[p.ID] {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}
		seenPhases[p.ID] = true
	}
	return nil
}

func (p *PhaseConfig) validate() error {
	if p.ID == "" {
		return fmt.Errorf("phase id is required")
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}
	if p.Concurrency != ConcurrencyParallel && p.Concurrency != ConcurrencySequential {
		return fmt.Errorf("concurrency must be %q or %q, got %q",
			ConcurrencyParallel, ConcurrencySequential, p.Concurrency)
	}
	if p.Threshold < 0 || p.Threshold > 100 {
		return fmt.Errorf("threshold must be in [0,100], got %v", p.Threshold)
	}
	if p.Timeout.Duration() <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if p.Iterative && p.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1 for iterative phases, got %d", p.MaxIterations)
	}

	seenTasks := make(map[string]bool, len(p.Tasks))
	explicit := false
	sum := 0.0
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task id is required")
		}
		if seenTasks[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seenTasks[t.ID] = true
		if t.Weight < 0 {
			return fmt.Errorf("task %q: weight must be >= 0, got %v", t.ID, t.Weight)
		}
		if t.Weight != 0 {
			explicit = true
		}
		sum += t.Weight
	}
	if explicit && math.Abs(sum-100) > weightSumEpsilon {
		return fmt.Errorf("explicit task weights must sum to 100, got %v", sum)
	}
	return nil
}

// Phase returns the phase with the given id, or nil.
func (c *Config) Phase(id string) *PhaseConfig {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return &c.Phases[i]
		}
	}
	return nil
}
