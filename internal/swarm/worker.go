// Package swarm contains the orchestrator and its execution machinery:
// the worker pool, quality gate, decomposer, synthesizer, resilience
// pipeline, model probe, planner, reviewer, and verifier.
//
// The execution flow is:
//
//	Prompt → Decomposer → Queue (waves) → Orchestrator → WorkerPool →
//	QualityGate → Resilience → Reviewer → Verifier → Synthesizer
package swarm

import (
	"sort"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/health"
	"github.com/eren23/attoswarm/internal/models"
)

// Worker is one configured backend the pool can dispatch to.
type Worker struct {
	Name          string
	Model         string
	Capabilities  []string
	AllowedTools  []string
	ContextWindow int
	PolicyProfile string
}

// hollowBand is the insensitivity band for hollow-rate ranking: models
// within 0.15 of each other tie and fall through to success rate.
const hollowBand = 0.15

func workerFromSpec(spec config.WorkerSpec) Worker {
	return Worker{
		Name:          spec.Name,
		Model:         spec.Model,
		Capabilities:  spec.Capabilities,
		AllowedTools:  spec.AllowedTools,
		ContextWindow: spec.ContextWindow,
		PolicyProfile: spec.PolicyProfile,
	}
}

func (w Worker) hasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

// rankWorkers orders candidates best-first: healthy before unhealthy,
// lower hollow rate (with the insensitivity band), then higher success
// rate, then name for determinism. Returns the ordered list and the size
// of the top tier (workers indistinguishable from the best).
func rankWorkers(candidates []Worker, tracker *health.Tracker) ([]Worker, int) {
	if len(candidates) == 0 {
		return nil, 0
	}
	ranked := append([]Worker(nil), candidates...)

	healthier := func(a, b Worker) int {
		ah, bh := tracker.IsHealthy(a.Model), tracker.IsHealthy(b.Model)
		if ah != bh {
			if ah {
				return -1
			}
			return 1
		}
		ahr, bhr := tracker.HollowRate(a.Model), tracker.HollowRate(b.Model)
		if diff := ahr - bhr; diff > hollowBand {
			return 1
		} else if diff < -hollowBand {
			return -1
		}
		asr, bsr := tracker.SuccessRate(a.Model), tracker.SuccessRate(b.Model)
		if asr > bsr {
			return -1
		} else if asr < bsr {
			return 1
		}
		return 0
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if c := healthier(ranked[i], ranked[j]); c != 0 {
			return c < 0
		}
		return ranked[i].Name < ranked[j].Name
	})

	tier := 1
	for tier < len(ranked) && healthier(ranked[0], ranked[tier]) == 0 {
		tier++
	}
	return ranked, tier
}

// capabilityFor maps a task type to the capability workers must declare.
func capabilityFor(cfg *config.Config, t models.TaskType) string {
	spec := cfg.TaskTypeFor(t)
	if spec.Capability != "" {
		return spec.Capability
	}
	return string(models.TypeImplement)
}
