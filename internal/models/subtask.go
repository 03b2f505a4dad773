// Package models defines the shared data types for swarm execution.
//
// The types here flow between the queue, worker pool, quality gate, and
// orchestrator: subtasks and their results, decompositions, plans, health
// records, and checkpoints. Keeping them in one package avoids import
// cycles between the components that exchange them.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a subtask.
type Status string

// Subtask lifecycle states.
//
//	pending -> ready        (dependencies completed/decomposed)
//	ready   -> dispatched   (worker selected, budget reserved)
//	dispatched -> completed (quality gate passed)
//	dispatched -> failed    (retryable -> ready if attempts remain)
//	dispatched -> decomposed (replaced by micro-split subtasks)
//	failed/skipped -> ready (rescue, resume)
const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusDecomposed Status = "decomposed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal returns true if the status cannot transition further without a
// rescue or resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDecomposed || s == StatusSkipped
}

// TaskType classifies a subtask. The built-in set can be extended through
// configuration; unknown types fall back to the "implement" capability.
type TaskType string

// Built-in task types.
const (
	TypeResearch  TaskType = "research"
	TypeAnalysis  TaskType = "analysis"
	TypeDesign    TaskType = "design"
	TypeImplement TaskType = "implement"
	TypeTest      TaskType = "test"
	TypeRefactor  TaskType = "refactor"
	TypeReview    TaskType = "review"
	TypeDocument  TaskType = "document"
	TypeIntegrate TaskType = "integrate"
	TypeDeploy    TaskType = "deploy"
	TypeMerge     TaskType = "merge"
)

// FailureMode tags the most recent failure cause on a subtask.
type FailureMode string

const (
	FailureRateLimit FailureMode = "rate-limit"
	FailureTimeout   FailureMode = "timeout"
	FailureHollow    FailureMode = "hollow"
	FailureQuality   FailureMode = "quality"
	FailureError     FailureMode = "error"
)

// RetryContext carries feedback from a failed attempt into the next one.
// The worker spawner receives it opaquely as part of the prompt.
type RetryContext struct {
	Feedback      string   `json:"feedback,omitempty"`
	Score         int      `json:"score,omitempty"`
	PreviousModel string   `json:"previous_model,omitempty"`
	PreviousFiles []string `json:"previous_files,omitempty"`
	Progress      string   `json:"progress,omitempty"` // swarm-wide progress summary
}

// Subtask is the unit of work scheduled by the queue and executed by a
// worker. Wave is computed by the queue at load time; Attempts, Status,
// Model, and the failure bookkeeping mutate as execution proceeds.
type Subtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Type        TaskType `json:"type"`
	Complexity  int      `json:"complexity"` // 1-10
	DependsOn   []string `json:"depends_on,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
	ReadFiles   []string `json:"read_files,omitempty"`

	Wave     int    `json:"wave"`
	Attempts int    `json:"attempts"`
	Status   Status `json:"status"`
	Model    string `json:"model,omitempty"` // may change on failover

	Result *SubtaskResult `json:"result,omitempty"`
	Retry  *RetryContext  `json:"retry,omitempty"`

	Foundation         bool        `json:"foundation,omitempty"` // dependency of >= 2 others
	Degraded           bool        `json:"degraded,omitempty"`   // accepted with low quality
	PendingCascadeSkip bool        `json:"pending_cascade_skip,omitempty"`
	FailureMode        FailureMode `json:"failure_mode,omitempty"`

	// RetryAfter is a non-blocking rate-limit cooldown: the task is not
	// eligible for dispatch before this instant. Zero means no cooldown.
	RetryAfter time.Time `json:"retry_after,omitzero"`

	// ConsecutiveTimeouts counts timeouts since the last non-timeout
	// outcome; crossing the configured limit triggers model failover.
	ConsecutiveTimeouts int `json:"consecutive_timeouts,omitempty"`
}

// Validate checks the fields a decomposition must populate.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return errors.New("subtask id is required")
	}
	if s.Description == "" {
		return fmt.Errorf("subtask %s: description is required", s.ID)
	}
	if s.Complexity < 1 || s.Complexity > 10 {
		return fmt.Errorf("subtask %s: complexity %d out of range 1-10", s.ID, s.Complexity)
	}
	return nil
}

// Attempted reports whether the subtask has ever been dispatched.
func (s *Subtask) Attempted() bool {
	return s.Attempts > 0
}

// Clone returns a deep copy. Slices and nested structs are copied so the
// checkpoint writer can snapshot tasks without racing later mutation.
func (s *Subtask) Clone() *Subtask {
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.TargetFiles = append([]string(nil), s.TargetFiles...)
	c.ReadFiles = append([]string(nil), s.ReadFiles...)
	if s.Result != nil {
		r := *s.Result
		r.FilesModified = append([]string(nil), s.Result.FilesModified...)
		c.Result = &r
	}
	if s.Retry != nil {
		rc := *s.Retry
		rc.PreviousFiles = append([]string(nil), s.Retry.PreviousFiles...)
		c.Retry = &rc
	}
	return &c
}

// HasCyclicDependencies detects circular dependencies in a set of subtasks
// using DFS with color marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(tasks []Subtask) bool {
	graph := make(map[string][]string)
	known := make(map[string]bool)

	for _, t := range tasks {
		known[t.ID] = true
		graph[t.ID] = nil
	}

	// Edges point prerequisite -> dependent.
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return true // self-reference is a cycle
			}
			if known[dep] {
				graph[dep] = append(graph[dep], t.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(known))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, next := range graph[node] {
			if colors[next] == gray {
				return true // back edge
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}
