package models

import "fmt"

// Strategy describes how the decomposer shaped the DAG.
type Strategy string

const (
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyAdaptive     Strategy = "adaptive"
	StrategyPipeline     Strategy = "pipeline"
)

// Decomposition is the validated result of breaking a prompt into subtasks.
// Dependencies are already resolved to subtask ids; the raw LLM reply uses
// list indices, which the decomposer rewrites before constructing this.
type Decomposition struct {
	Subtasks  []Subtask `json:"subtasks"`
	Strategy  Strategy  `json:"strategy"`
	Reasoning string    `json:"reasoning,omitempty"`

	// LLMAssisted distinguishes a real model decomposition from the
	// heuristic fallback, which the orchestrator rejects outright.
	LLMAssisted bool     `json:"llm_assisted"`
	ParseErrors []string `json:"parse_errors,omitempty"`

	// FlatDAG flags a decomposition of >= 3 subtasks with no dependencies
	// at all, which usually means the model ignored ordering.
	FlatDAG bool `json:"flat_dag,omitempty"`
}

// Validate enforces the structural invariants of a decomposition: at least
// two subtasks, valid per-task fields, dependencies resolving within the
// set, no self-loops, and an acyclic graph.
func (d *Decomposition) Validate() error {
	if len(d.Subtasks) < 2 {
		return fmt.Errorf("insufficient subtasks: got %d, need at least 2", len(d.Subtasks))
	}

	ids := make(map[string]bool, len(d.Subtasks))
	for i := range d.Subtasks {
		t := &d.Subtasks[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate subtask id %q", t.ID)
		}
		ids[t.ID] = true
	}

	for i := range d.Subtasks {
		t := &d.Subtasks[i]
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("subtask %s depends on itself", t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", t.ID, dep)
			}
		}
	}

	if HasCyclicDependencies(d.Subtasks) {
		return fmt.Errorf("decomposition contains circular dependencies")
	}
	return nil
}
