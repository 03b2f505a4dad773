// Package config loads and validates swarm configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eren23/attoswarm/internal/models"
)

// ProbeFailureStrategy controls what happens when every model fails the
// tool-calling capability probe.
type ProbeFailureStrategy string

const (
	ProbeAbort      ProbeFailureStrategy = "abort"
	ProbeWarnAndTry ProbeFailureStrategy = "warn-and-try"
)

// WorkerSpec declares one worker backend available to the pool.
type WorkerSpec struct {
	Name          string   `yaml:"name"`
	Model         string   `yaml:"model"`
	Capabilities  []string `yaml:"capabilities"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
	ContextWindow int      `yaml:"context_window,omitempty"`
	PolicyProfile string   `yaml:"policy_profile,omitempty"`
}

// TaskTypeSpec configures a task type beyond the built-in defaults, or
// declares a user-defined extension type.
type TaskTypeSpec struct {
	Name            string        `yaml:"name"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
	Capability      string        `yaml:"capability,omitempty"`
	PromptTemplate  string        `yaml:"prompt_template,omitempty"`
	RequiresToolUse bool          `yaml:"requires_tool_calls,omitempty"`
	MinOutputLength int           `yaml:"min_output_length,omitempty"`
}

// AutoSplitConfig controls pre-dispatch splitting of foundation tasks.
type AutoSplitConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ComplexityFloor int      `yaml:"complexity_floor"`
	SplittableTypes []string `yaml:"splittable_types,omitempty"`
	MaxSubtasks     int      `yaml:"max_subtasks"`
}

// Config enumerates every orchestrator knob. DefaultConfig supplies
// production defaults; keys absent from a loaded file keep them, while
// keys present in the file (including explicit zero values) override them.
type Config struct {
	// Budget.
	TotalBudget int64         `yaml:"total_budget"` // tokens
	MaxCost     float64       `yaml:"max_cost"`     // USD
	MaxDuration time.Duration `yaml:"max_duration,omitempty"`

	// Concurrency and retries.
	MaxConcurrency          int           `yaml:"max_concurrency"`
	WorkerRetries           int           `yaml:"worker_retries"`
	RateLimitRetries        int           `yaml:"rate_limit_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay_ms"`
	MaxDispatchesPerTask    int           `yaml:"max_dispatches_per_task"`
	ConsecutiveTimeoutLimit int           `yaml:"consecutive_timeout_limit"`

	// Hollow-completion handling.
	HollowOutputThreshold        int     `yaml:"hollow_output_threshold"` // min output chars with zero tool calls
	HollowTerminationRatio       float64 `yaml:"hollow_termination_ratio"`
	HollowTerminationMinDispatch int     `yaml:"hollow_termination_min_dispatches"`
	EnableHollowTermination      bool    `yaml:"enable_hollow_termination"`

	// Model probing.
	ProbeTimeout         time.Duration        `yaml:"probe_timeout_ms"`
	ProbeFailureStrategy ProbeFailureStrategy `yaml:"probe_failure_strategy"`
	DisableProbe         bool                 `yaml:"disable_probe,omitempty"`

	// Feature toggles.
	EnableModelFailover      bool `yaml:"enable_model_failover"`
	EnableConcreteValidation bool `yaml:"enable_concrete_validation"`
	EnablePlanning           bool `yaml:"enable_planning"`
	EnableWaveReview         bool `yaml:"enable_wave_review"`
	EnableVerification       bool `yaml:"enable_verification"`
	MaxVerificationRetries   int  `yaml:"max_verification_retries"`

	// Persistence.
	EnablePersistence bool   `yaml:"enable_persistence"`
	StateDir          string `yaml:"state_dir"`
	ResumeSessionID   string `yaml:"resume_session_id,omitempty"`

	// Quality gate.
	QualityThreshold int  `yaml:"quality_threshold"` // 1-5
	QualityGates     bool `yaml:"quality_gates"`

	// Scheduling.
	OrchestratorReserveRatio float64       `yaml:"orchestrator_reserve_ratio"`
	DispatchStagger          time.Duration `yaml:"dispatch_stagger_ms"`

	AutoSplit AutoSplitConfig `yaml:"auto_split"`

	// Models.
	OrchestratorModel string         `yaml:"orchestrator_model"`
	Workers           []WorkerSpec   `yaml:"workers"`
	TaskTypes         []TaskTypeSpec `yaml:"task_types,omitempty"`

	// Blackboard (optional). Empty address disables publication.
	BlackboardAddr string `yaml:"blackboard_addr,omitempty"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		TotalBudget:                  1_000_000,
		MaxCost:                      25.0,
		MaxConcurrency:               6,
		WorkerRetries:                2,
		RateLimitRetries:             4,
		RetryBaseDelay:               2 * time.Second,
		MaxDispatchesPerTask:         5,
		ConsecutiveTimeoutLimit:      3,
		HollowOutputThreshold:        80,
		HollowTerminationRatio:       0.55,
		HollowTerminationMinDispatch: 8,
		ProbeTimeout:                 20 * time.Second,
		ProbeFailureStrategy:         ProbeWarnAndTry,
		EnableModelFailover:          true,
		EnableConcreteValidation:     true,
		EnablePlanning:               true,
		EnableWaveReview:             true,
		EnableVerification:           true,
		MaxVerificationRetries:       2,
		EnablePersistence:            true,
		StateDir:                     ".swarm/state",
		QualityThreshold:             3,
		QualityGates:                 true,
		OrchestratorReserveRatio:     0.15,
		DispatchStagger:              500 * time.Millisecond,
		AutoSplit: AutoSplitConfig{
			Enabled:         true,
			ComplexityFloor: 6,
			SplittableTypes: []string{"implement", "research", "analysis", "test"},
			MaxSubtasks:     4,
		},
		OrchestratorModel: "claude-sonnet-4-5-20250929",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.TotalBudget <= 0 {
		return fmt.Errorf("total_budget must be positive, got %d", c.TotalBudget)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.QualityThreshold < 1 || c.QualityThreshold > 5 {
		return fmt.Errorf("quality_threshold must be 1-5, got %d", c.QualityThreshold)
	}
	if c.OrchestratorReserveRatio < 0 || c.OrchestratorReserveRatio >= 1 {
		return fmt.Errorf("orchestrator_reserve_ratio must be in [0,1), got %v", c.OrchestratorReserveRatio)
	}
	switch c.ProbeFailureStrategy {
	case ProbeAbort, ProbeWarnAndTry, "":
	default:
		return fmt.Errorf("unknown probe_failure_strategy %q", c.ProbeFailureStrategy)
	}
	if len(c.Workers) == 0 {
		return fmt.Errorf("at least one worker must be configured")
	}
	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w.Name == "" || w.Model == "" {
			return fmt.Errorf("worker specs require name and model")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// TaskTypeFor returns the spec for a task type, falling back to built-in
// defaults for types without an explicit entry.
func (c *Config) TaskTypeFor(t models.TaskType) TaskTypeSpec {
	for _, spec := range c.TaskTypes {
		if spec.Name == string(t) {
			return spec
		}
	}
	return defaultTaskType(t)
}

// defaultTaskType supplies built-in per-type behavior. Research-like types
// tolerate prose-only output; implementation-like types expect tool calls.
func defaultTaskType(t models.TaskType) TaskTypeSpec {
	spec := TaskTypeSpec{
		Name:            string(t),
		Timeout:         10 * time.Minute,
		Capability:      string(t),
		MinOutputLength: 40,
	}
	switch t {
	case models.TypeImplement, models.TypeRefactor, models.TypeTest, models.TypeIntegrate, models.TypeDeploy:
		spec.RequiresToolUse = true
		spec.MinOutputLength = 20
	case models.TypeResearch, models.TypeAnalysis, models.TypeDesign, models.TypeDocument, models.TypeReview:
		spec.MinOutputLength = 120
	case models.TypeMerge:
		spec.MinOutputLength = 20
	default:
		spec.Capability = string(models.TypeImplement)
	}
	return spec
}
