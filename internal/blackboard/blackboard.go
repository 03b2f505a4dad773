// Package blackboard publishes completed-subtask findings to a shared
// board other agents can read. The orchestrator posts fire-and-forget;
// publication failures never affect execution.
package blackboard

import "context"

// Finding is one posted entry.
type Finding struct {
	Topic        string   `json:"topic"`
	Content      string   `json:"content"`
	Type         string   `json:"type"`
	Confidence   float64  `json:"confidence"` // quality score / 5
	Tags         []string `json:"tags,omitempty"`
	RelatedFiles []string `json:"related_files,omitempty"`
}

// Board accepts findings.
type Board interface {
	Post(ctx context.Context, author string, f Finding) error
}
