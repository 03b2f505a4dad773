package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = []WorkerSpec{{Name: "w1", Model: "m1", Capabilities: []string{"implement"}}}
	return cfg
}

func TestDefaultsValidateWithWorkers(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero budget", func(c *Config) { c.TotalBudget = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
		{"threshold out of range", func(c *Config) { c.QualityThreshold = 6 }},
		{"reserve ratio", func(c *Config) { c.OrchestratorReserveRatio = 1.0 }},
		{"bad probe strategy", func(c *Config) { c.ProbeFailureStrategy = "explode" }},
		{"no workers", func(c *Config) { c.Workers = nil }},
		{"duplicate workers", func(c *Config) {
			c.Workers = append(c.Workers, c.Workers[0])
		}},
		{"nameless worker", func(c *Config) {
			c.Workers = []WorkerSpec{{Model: "m"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	data := `
total_budget: 500000
max_concurrency: 3
quality_threshold: 4
workers:
  - name: fast
    model: model-fast
    capabilities: [research, implement]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TotalBudget != 500000 || cfg.MaxConcurrency != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.RateLimitRetries != DefaultConfig().RateLimitRetries {
		t.Error("unset keys should keep defaults")
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Name != "fast" {
		t.Errorf("workers not loaded: %+v", cfg.Workers)
	}
}

func TestTaskTypeDefaults(t *testing.T) {
	cfg := validConfig()

	impl := cfg.TaskTypeFor(models.TypeImplement)
	if !impl.RequiresToolUse {
		t.Error("implement should require tool calls")
	}
	research := cfg.TaskTypeFor(models.TypeResearch)
	if research.RequiresToolUse {
		t.Error("research should tolerate prose-only output")
	}
	if research.MinOutputLength <= impl.MinOutputLength {
		t.Error("research demands more prose than implement")
	}

	custom := cfg.TaskTypeFor(models.TaskType("fuzz"))
	if custom.Capability != string(models.TypeImplement) {
		t.Errorf("unknown type should fall back to implement capability, got %q", custom.Capability)
	}
}

func TestTaskTypeOverride(t *testing.T) {
	cfg := validConfig()
	cfg.TaskTypes = []TaskTypeSpec{{
		Name:       "deploy",
		Timeout:    30 * time.Minute,
		Capability: "ops",
	}}

	spec := cfg.TaskTypeFor(models.TypeDeploy)
	if spec.Capability != "ops" || spec.Timeout != 30*time.Minute {
		t.Errorf("override not honored: %+v", spec)
	}
}
