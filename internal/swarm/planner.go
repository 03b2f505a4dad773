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

// Planner asks the orchestrator model for per-subtask acceptance criteria
// and an integration-test plan. Planning failures are non-fatal; execution
// proceeds without a plan.
type Planner struct {
	cfg    *config.Config
	client llm.Client
}

// NewPlanner creates a planner.
func NewPlanner(cfg *config.Config, client llm.Client) *Planner {
	return &Planner{cfg: cfg, client: client}
}

type rawPlan struct {
	Criteria []struct {
		SubtaskID string   `json:"subtask_id"`
		Criteria  []string `json:"criteria"`
	} `json:"criteria"`
	Integration []struct {
		Description string `json:"description"`
		Command     string `json:"command"`
		Expected    string `json:"expected"`
		Required    bool   `json:"required"`
	} `json:"integration"`
}

const planPrompt = `For the subtasks below, produce acceptance criteria and an
integration-test plan. Reply with raw JSON only:
{
  "criteria": [{"subtask_id": "<id>", "criteria": ["<condition>", ...]}],
  "integration": [{"description": "...", "command": "<shell command>", "expected": "<hint>", "required": true|false}]
}

Keep criteria concrete and checkable. Integration steps run in order after
all subtasks finish; mark a step required only if its failure should force
fix-up work.

Original task:
%s

Subtasks:
%s`

// Plan requests the acceptance plan for a decomposition.
func (p *Planner) Plan(ctx context.Context, prompt string, dec *models.Decomposition, usage *llm.Usage) (*models.Plan, error) {
	var b strings.Builder
	for i := range dec.Subtasks {
		t := &dec.Subtasks[i]
		fmt.Fprintf(&b, "- %s (%s, complexity %d): %s\n", t.ID, t.Type, t.Complexity, t.Description)
	}

	resp, err := p.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(planPrompt, prompt, b.String())},
	}, llm.Options{Model: p.cfg.OrchestratorModel, MaxTokens: 4096})
	if err != nil {
		return nil, fmt.Errorf("plan call: %w", err)
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}

	raw := llm.ExtractJSON(resp.Content)
	var parsed rawPlan
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	plan := &models.Plan{}
	for _, c := range parsed.Criteria {
		plan.Criteria = append(plan.Criteria, models.AcceptanceCriteria{
			SubtaskID: c.SubtaskID,
			Criteria:  c.Criteria,
		})
	}
	for _, s := range parsed.Integration {
		plan.Integration = append(plan.Integration, models.IntegrationStep{
			Description: s.Description,
			Command:     s.Command,
			Expected:    s.Expected,
			Required:    s.Required,
		})
	}
	return plan, nil
}
