package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
)

// Stall detection: once at least this many tasks have been attempted and
// the success ratio sits below the floor, the orchestrator asks for a
// re-plan. Only once per execution.
const (
	stallMinAttempted = 5
	stallSuccessFloor = 0.4
	replanMaxNewTasks = 8
)

// Replanner asks the LLM to re-plan remaining work mid-swarm, given what
// completed, what exists on disk, and what is stuck.
type Replanner struct {
	cfg    *config.Config
	client llm.Client
}

// NewReplanner creates a replanner.
func NewReplanner(cfg *config.Config, client llm.Client) *Replanner {
	return &Replanner{cfg: cfg, client: client}
}

// IsStalled evaluates the stall predicate over the queue's tasks. A
// decomposed task counts as completed: its replacements carry the work
// forward, matching how wave advancement and cascade-skip treat it.
func IsStalled(tasks []*models.Subtask) bool {
	attempted, succeeded := 0, 0
	for _, t := range tasks {
		if !t.Attempted() {
			continue
		}
		attempted++
		if t.Status == models.StatusCompleted || t.Status == models.StatusDecomposed {
			succeeded++
		}
	}
	if attempted < stallMinAttempted {
		return false
	}
	return float64(succeeded)/float64(attempted) < stallSuccessFloor
}

type rawReplan struct {
	Reasoning string `json:"reasoning"`
	Subtasks  []struct {
		Description string   `json:"description"`
		Type        string   `json:"type"`
		Complexity  int      `json:"complexity"`
		DependsOn   []string `json:"depends_on"`
		TargetFiles []string `json:"target_files"`
	} `json:"subtasks"`
	DropStuck bool `json:"drop_stuck"`
}

const replanPrompt = `A coding swarm has stalled. Re-plan the remaining work.
Reply with raw JSON only:
{"reasoning": "...", "drop_stuck": true|false, "subtasks": [{"description": "...", "type": "...", "complexity": <1-10>, "depends_on": ["<completed subtask id>"], "target_files": ["..."]}]}

Completed work:
%s

Artifacts on disk:
%s

Stuck tasks:
%s`

// ReplanResult carries the new tasks plus the model's advice on stuck work.
type ReplanResult struct {
	Reasoning string
	NewTasks  []models.Subtask
	DropStuck bool
}

// Replan requests replacement work for the stuck portion of the swarm.
func (r *Replanner) Replan(ctx context.Context, completed, stuck []*models.Subtask, artifacts []models.Artifact, usage *llm.Usage) (*ReplanResult, error) {
	var done, stuckList, arts strings.Builder
	for _, t := range completed {
		fmt.Fprintf(&done, "- %s (%s): %s\n", t.ID, t.Type, truncateForJudge(t.Description, 150))
	}
	for _, t := range stuck {
		reason := string(t.FailureMode)
		if reason == "" {
			reason = string(t.Status)
		}
		fmt.Fprintf(&stuckList, "- %s (%s, %d attempts, %s): %s\n",
			t.ID, t.Type, t.Attempts, reason, truncateForJudge(t.Description, 150))
	}
	for _, a := range artifacts {
		if a.Exists {
			fmt.Fprintf(&arts, "- %s (%d bytes)\n", a.Path, a.Size)
		}
	}
	if arts.Len() == 0 {
		arts.WriteString("(none)\n")
	}

	resp, err := r.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(replanPrompt, done.String(), arts.String(), stuckList.String())},
	}, llm.Options{Model: r.cfg.OrchestratorModel, MaxTokens: 4096})
	if err != nil {
		return nil, fmt.Errorf("replan call: %w", err)
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}

	raw := llm.ExtractJSON(resp.Content)
	var parsed rawReplan
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse replan: %w", err)
	}

	result := &ReplanResult{Reasoning: parsed.Reasoning, DropStuck: parsed.DropStuck}
	for i, rs := range parsed.Subtasks {
		if i >= replanMaxNewTasks {
			break
		}
		result.NewTasks = append(result.NewTasks, models.Subtask{
			ID:          fmt.Sprintf("replan-%d", i+1),
			Description: rs.Description,
			Type:        normalizeType(rs.Type),
			Complexity:  clampComplexity(rs.Complexity),
			DependsOn:   rs.DependsOn,
			TargetFiles: rs.TargetFiles,
		})
	}
	return result, nil
}

// TriageCandidates returns up to 20% of remaining tasks eligible for
// budget triage: low-complexity leaf tasks, never attempted, not
// foundation. Used by the mid-swarm assessment when projected spend
// overruns the budget.
func TriageCandidates(tasks []*models.Subtask, dependents func(id string) int) []*models.Subtask {
	remaining := 0
	for _, t := range tasks {
		switch t.Status {
		case models.StatusPending, models.StatusReady:
			remaining++
		}
	}
	limit := remaining / 5
	if limit == 0 {
		return nil
	}

	var out []*models.Subtask
	for _, t := range tasks {
		if len(out) >= limit {
			break
		}
		if t.Status != models.StatusPending && t.Status != models.StatusReady {
			continue
		}
		if t.Complexity > 2 || t.Attempted() || t.Foundation {
			continue
		}
		if dependents(t.ID) > 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}
