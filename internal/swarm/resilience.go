package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
)

// ResilienceStrategy names the recovery applied to a failing task.
type ResilienceStrategy string

const (
	StrategyAutoSplit      ResilienceStrategy = "auto-split"
	StrategyMicroDecompose ResilienceStrategy = "micro-decompose"
	StrategyDegraded       ResilienceStrategy = "degraded-acceptance"
	StrategyCascadeSkip    ResilienceStrategy = "cascade-skip"
)

// Resilience implements the ordered recovery pipeline. The orchestrator
// calls the stages in sequence; the first that succeeds stops the
// pipeline, and only when all fail does cascade-skip fire.
type Resilience struct {
	cfg    *config.Config
	client llm.Client
}

// NewResilience creates the pipeline helper.
func NewResilience(cfg *config.Config, client llm.Client) *Resilience {
	return &Resilience{cfg: cfg, client: client}
}

type rawSplit struct {
	ShouldSplit bool `json:"should_split"`
	Subtasks    []struct {
		Description string   `json:"description"`
		Type        string   `json:"type"`
		Complexity  int      `json:"complexity"`
		DependsOn   []int    `json:"depends_on"`
		TargetFiles []string `json:"target_files"`
	} `json:"subtasks"`
}

// AutoSplitEligible gates the pre-dispatch split: only foundation tasks on
// their first attempt, at or above the complexity floor, with a splittable
// type.
func (r *Resilience) AutoSplitEligible(task *models.Subtask) bool {
	auto := r.cfg.AutoSplit
	if !auto.Enabled || !task.Foundation || task.Attempted() {
		return false
	}
	if task.Complexity < auto.ComplexityFloor {
		return false
	}
	for _, t := range auto.SplittableTypes {
		if t == string(task.Type) {
			return true
		}
	}
	return false
}

const autoSplitPrompt = `Should this task be split into 2-%d parallel subtasks
before execution? Split only when independent pieces genuinely exist.
Reply with raw JSON only:
{"should_split": true|false, "subtasks": [{"description": "...", "type": "...", "complexity": <1-10>, "depends_on": [<indices>], "target_files": ["..."]}]}

Task (%s, complexity %d): %s`

// AutoSplit asks the orchestrator model whether to split a task. Returns
// nil when the judge declines or the reply is unusable.
func (r *Resilience) AutoSplit(ctx context.Context, task *models.Subtask, usage *llm.Usage) []models.Subtask {
	maxSubs := r.cfg.AutoSplit.MaxSubtasks
	if maxSubs < 2 {
		maxSubs = 2
	}
	prompt := fmt.Sprintf(autoSplitPrompt, maxSubs, task.Type, task.Complexity, task.Description)

	parsed, err := r.requestSplit(ctx, prompt, usage)
	if err != nil || !parsed.ShouldSplit {
		return nil
	}
	if len(parsed.Subtasks) < 2 || len(parsed.Subtasks) > maxSubs {
		return nil
	}
	return r.convertSplit(task, "split", parsed)
}

const microDecomposePrompt = `The following task has failed repeatedly. Break it
into 2-3 smaller subtasks, each with complexity at most %d.
Reply with raw JSON only:
{"should_split": true, "subtasks": [{"description": "...", "type": "...", "complexity": <1-%d>, "depends_on": [<indices>], "target_files": ["..."]}]}

Task (%s, complexity %d, %d failed attempts): %s
Most recent feedback: %s`

// MicroDecomposeEligible gates micro-decomposition: complexity >= 4 and at
// least two attempts spent.
func (r *Resilience) MicroDecomposeEligible(task *models.Subtask) bool {
	return task.Complexity >= 4 && task.Attempts >= 2
}

// MicroDecompose asks for 2-3 smaller subtasks, each bounded to half the
// original complexity (rounded up). Returns nil when the reply is
// unusable.
func (r *Resilience) MicroDecompose(ctx context.Context, task *models.Subtask, usage *llm.Usage) []models.Subtask {
	ceiling := int(math.Ceil(float64(task.Complexity) / 2))
	feedback := ""
	if task.Retry != nil {
		feedback = task.Retry.Feedback
	}
	prompt := fmt.Sprintf(microDecomposePrompt, ceiling, ceiling,
		task.Type, task.Complexity, task.Attempts, task.Description, feedback)

	parsed, err := r.requestSplit(ctx, prompt, usage)
	if err != nil || len(parsed.Subtasks) < 2 || len(parsed.Subtasks) > 3 {
		return nil
	}
	subs := r.convertSplit(task, "micro", parsed)
	for i := range subs {
		if subs[i].Complexity > ceiling {
			subs[i].Complexity = ceiling
		}
	}
	return subs
}

func (r *Resilience) requestSplit(ctx context.Context, prompt string, usage *llm.Usage) (*rawSplit, error) {
	resp, err := r.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: prompt},
	}, llm.Options{Model: r.cfg.OrchestratorModel, MaxTokens: 2048})
	if err != nil {
		return nil, err
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}
	raw := llm.ExtractJSON(resp.Content)
	var parsed rawSplit
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (r *Resilience) convertSplit(task *models.Subtask, kind string, parsed *rawSplit) []models.Subtask {
	n := len(parsed.Subtasks)
	out := make([]models.Subtask, 0, n)
	for i, rs := range parsed.Subtasks {
		sub := models.Subtask{
			ID:          fmt.Sprintf("%s-%s-%d", task.ID, kind, i+1),
			Description: rs.Description,
			Type:        normalizeType(rs.Type),
			Complexity:  clampComplexity(rs.Complexity),
			TargetFiles: rs.TargetFiles,
		}
		for _, dep := range rs.DependsOn {
			if dep < 0 || dep >= n || dep == i {
				continue
			}
			sub.DependsOn = append(sub.DependsOn, fmt.Sprintf("%s-%s-%d", task.ID, kind, dep+1))
		}
		out = append(out, sub)
	}
	return out
}

// DegradedAcceptance checks whether a failed task left real artifacts
// behind: target files on disk, or recorded tool calls (including the
// timeout sentinel). When it did, the task is accepted with degraded=true
// and the quality score capped at 2, which keeps dependents running.
func (r *Resilience) DegradedAcceptance(task *models.Subtask, result *models.SubtaskResult) *models.SubtaskResult {
	evidence := false
	if result != nil && (result.ToolCalls > 0 || result.TimedOut()) {
		evidence = true
	}
	if !evidence {
		arts := taskArtifacts(task, result)
		evidence = anyArtifactOnDisk(arts)
	}
	if !evidence {
		return nil
	}

	degraded := &models.SubtaskResult{
		Success:  true,
		Degraded: true,
	}
	if result != nil {
		degraded.Output = result.Output
		degraded.FilesModified = result.FilesModified
		degraded.TokensUsed = result.TokensUsed
		degraded.CostUSD = result.CostUSD
		degraded.Duration = result.Duration
		degraded.Model = result.Model
		degraded.ToolCalls = result.ToolCalls
		degraded.Closure = result.Closure
	}
	degraded.QualityScore = 2
	if degraded.Output == "" {
		degraded.Output = fmt.Sprintf("accepted with artifacts on disk after %d failed attempts", task.Attempts)
	}
	return degraded
}
