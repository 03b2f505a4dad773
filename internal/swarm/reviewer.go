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

// Reviewer runs the end-of-wave review: one LLM call over the wave's
// outcomes that may emit fix-up tasks. Review failures are non-fatal.
type Reviewer struct {
	cfg    *config.Config
	client llm.Client
}

// NewReviewer creates a reviewer.
func NewReviewer(cfg *config.Config, client llm.Client) *Reviewer {
	return &Reviewer{cfg: cfg, client: client}
}

type rawReview struct {
	Assessment string `json:"assessment"`
	Fixups     []struct {
		Description string   `json:"description"`
		Type        string   `json:"type"`
		Complexity  int      `json:"complexity"`
		DependsOn   []string `json:"depends_on"`
		TargetFiles []string `json:"target_files"`
	} `json:"fixups"`
}

const reviewPrompt = `You are reviewing one completed wave of a coding swarm.
Reply with raw JSON only:
{"assessment": "<one paragraph>", "fixups": [{"description": "...", "type": "implement|test|...", "complexity": <1-10>, "depends_on": ["<existing subtask id>"], "target_files": ["..."]}]}

Emit fixups only for concrete, necessary repairs; an empty list is the
usual answer.

Wave results:
%s`

// ReviewWave reviews wave outcomes and returns the fix-up tasks to splice
// in, with fresh ids assigned.
func (r *Reviewer) ReviewWave(ctx context.Context, wave int, tasks []*models.Subtask, usage *llm.Usage) (string, []models.Subtask, error) {
	var b strings.Builder
	for _, t := range tasks {
		status := string(t.Status)
		detail := ""
		if t.Result != nil {
			if t.Result.QualityScore > 0 {
				detail = fmt.Sprintf(" score %d/5", t.Result.QualityScore)
			}
			if t.Result.Feedback != "" {
				detail += " — " + truncateForJudge(t.Result.Feedback, 200)
			}
		}
		fmt.Fprintf(&b, "- %s (%s): %s%s\n", t.ID, t.Type, status, detail)
	}

	resp, err := r.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(reviewPrompt, b.String())},
	}, llm.Options{Model: r.cfg.OrchestratorModel, MaxTokens: 2048})
	if err != nil {
		return "", nil, fmt.Errorf("review call: %w", err)
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}

	raw := llm.ExtractJSON(resp.Content)
	var parsed rawReview
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", nil, fmt.Errorf("parse review: %w", err)
	}

	var fixups []models.Subtask
	for i, f := range parsed.Fixups {
		fixups = append(fixups, models.Subtask{
			ID:          fmt.Sprintf("fix-w%d-%d", wave, i+1),
			Description: f.Description,
			Type:        normalizeType(f.Type),
			Complexity:  clampComplexity(f.Complexity),
			DependsOn:   f.DependsOn,
			TargetFiles: f.TargetFiles,
		})
	}
	return parsed.Assessment, fixups, nil
}
