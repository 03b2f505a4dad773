package swarm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
)

// Decomposer turns a natural-language prompt into a validated subtask DAG
// via the orchestrator model.
type Decomposer struct {
	cfg    *config.Config
	client llm.Client
}

// NewDecomposer creates a decomposer using the orchestrator model.
func NewDecomposer(cfg *config.Config, client llm.Client) *Decomposer {
	return &Decomposer{cfg: cfg, client: client}
}

// rawDecomposition mirrors the JSON the model is asked for. Dependencies
// are indices into the subtasks list, rewritten to ids after parsing.
type rawDecomposition struct {
	Strategy  string       `json:"strategy"`
	Reasoning string       `json:"reasoning"`
	Subtasks  []rawSubtask `json:"subtasks"`
}

type rawSubtask struct {
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Complexity  int      `json:"complexity"`
	DependsOn   []int    `json:"depends_on"`
	TargetFiles []string `json:"target_files"`
	ReadFiles   []string `json:"read_files"`
}

const decomposePrompt = `Break the following task into 2-12 subtasks forming a dependency DAG.

Reply with raw JSON only, shaped exactly like:
{
  "strategy": "sequential|parallel|hierarchical|adaptive|pipeline",
  "reasoning": "<why this decomposition>",
  "subtasks": [
    {
      "description": "<what to do>",
      "type": "research|analysis|design|implement|test|refactor|review|document|integrate|deploy|merge",
      "complexity": <1-10>,
      "depends_on": [<zero-based indices of prerequisite subtasks>],
      "target_files": ["<files this subtask writes>"],
      "read_files": ["<files this subtask only reads>"]
    }
  ]
}

Rules: indices in depends_on must reference earlier positions in the list,
no subtask may depend on itself, and the graph must be acyclic. Prefer
parallelizable structure where the work allows it.

Task:
%s`

const rawJSONOnlyReminder = `

IMPORTANT: your previous reply could not be parsed. Return raw JSON only:
no markdown, no code fences, no prose before or after the JSON object.`

// Decompose requests a DAG, retrying once with an explicit raw-JSON-only
// instruction when the first reply parses to zero subtasks.
func (d *Decomposer) Decompose(ctx context.Context, prompt string, usage *llm.Usage) (*models.Decomposition, error) {
	request := fmt.Sprintf(decomposePrompt, prompt)

	dec, parseErr := d.request(ctx, request, usage)
	if parseErr != nil || len(dec.Subtasks) == 0 {
		retryErrs := []string{}
		if parseErr != nil {
			retryErrs = append(retryErrs, parseErr.Error())
		}
		dec, parseErr = d.request(ctx, request+rawJSONOnlyReminder, usage)
		if parseErr != nil {
			retryErrs = append(retryErrs, parseErr.Error())
			return nil, fmt.Errorf("decomposition failed after retry: %v", retryErrs)
		}
		dec.ParseErrors = retryErrs
	}

	if err := dec.Validate(); err != nil {
		return nil, fmt.Errorf("decomposition invalid: %w", err)
	}
	if !dec.LLMAssisted {
		// A heuristic fallback DAG is strictly worse than aborting.
		return nil, fmt.Errorf("decomposition is not LLM-assisted")
	}

	deps := 0
	for i := range dec.Subtasks {
		deps += len(dec.Subtasks[i].DependsOn)
	}
	if deps == 0 && len(dec.Subtasks) >= 3 {
		dec.FlatDAG = true
	}
	return dec, nil
}

func (d *Decomposer) request(ctx context.Context, request string, usage *llm.Usage) (*models.Decomposition, error) {
	resp, err := d.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: request},
	}, llm.Options{Model: d.cfg.OrchestratorModel, MaxTokens: 4096})
	if err != nil {
		return nil, fmt.Errorf("decompose call: %w", err)
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in decomposition reply")
	}
	var parsed rawDecomposition
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse decomposition: %w", err)
	}
	return d.convert(&parsed)
}

// convert rewrites index-based dependencies to stable ids and normalizes
// task types.
func (d *Decomposer) convert(raw *rawDecomposition) (*models.Decomposition, error) {
	dec := &models.Decomposition{
		Strategy:    models.Strategy(raw.Strategy),
		Reasoning:   raw.Reasoning,
		LLMAssisted: true,
	}
	switch dec.Strategy {
	case models.StrategySequential, models.StrategyParallel, models.StrategyHierarchical,
		models.StrategyAdaptive, models.StrategyPipeline:
	default:
		dec.Strategy = models.StrategyAdaptive
	}

	n := len(raw.Subtasks)
	for i, rs := range raw.Subtasks {
		t := models.Subtask{
			ID:          fmt.Sprintf("t%d", i+1),
			Description: rs.Description,
			Type:        normalizeType(rs.Type),
			Complexity:  clampComplexity(rs.Complexity),
			TargetFiles: rs.TargetFiles,
			ReadFiles:   rs.ReadFiles,
		}
		for _, dep := range rs.DependsOn {
			if dep < 0 || dep >= n {
				return nil, fmt.Errorf("subtask %d: dependency index %d out of range", i, dep)
			}
			if dep == i {
				return nil, fmt.Errorf("subtask %d depends on itself", i)
			}
			t.DependsOn = append(t.DependsOn, fmt.Sprintf("t%d", dep+1))
		}
		dec.Subtasks = append(dec.Subtasks, t)
	}
	return dec, nil
}

func normalizeType(s string) models.TaskType {
	switch t := models.TaskType(s); t {
	case models.TypeResearch, models.TypeAnalysis, models.TypeDesign, models.TypeImplement,
		models.TypeTest, models.TypeRefactor, models.TypeReview, models.TypeDocument,
		models.TypeIntegrate, models.TypeDeploy, models.TypeMerge:
		return t
	}
	if s != "" {
		// User-extended types pass through; capability lookup falls back.
		return models.TaskType(s)
	}
	return models.TypeImplement
}

func clampComplexity(c int) int {
	if c < 1 {
		return 1
	}
	if c > 10 {
		return 10
	}
	return c
}
