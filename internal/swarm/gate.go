package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
)

// Judge circuit breaker: after this many consecutive LLM rejections for a
// model the judge is disabled for it and only pre-flight plus concrete
// checks run. Reset at each wave boundary.
const judgeBreakerLimit = 5

// File preview limits for the judge prompt.
const (
	judgeMaxFiles        = 10
	judgeMaxPreviewBytes = 2000
)

// Verdict is the quality gate's decision for one result.
type Verdict struct {
	Accepted        bool
	Score           int // 1-5
	Feedback        string
	PreflightPassed bool
	JudgeUsed       bool
	JudgeErrored    bool
}

// QualityGate composes the four validators: pre-flight, concrete checks,
// the LLM judge, and the per-model judge circuit breaker.
type QualityGate struct {
	cfg        *config.Config
	client     llm.Client
	judgeModel string

	// consecutive LLM rejections per model, reset at wave boundaries
	rejections map[string]int
}

// NewQualityGate creates a gate judging with the orchestrator model.
func NewQualityGate(cfg *config.Config, client llm.Client) *QualityGate {
	return &QualityGate{
		cfg:        cfg,
		client:     client,
		judgeModel: cfg.OrchestratorModel,
		rejections: make(map[string]int),
	}
}

// Threshold returns the effective passing score for a task. Foundation
// tasks get a one-point relaxation, floored at 2.
func (g *QualityGate) Threshold(task *models.Subtask) int {
	t := g.cfg.QualityThreshold
	if task.Foundation {
		relaxed := t - 1
		if relaxed < 2 {
			relaxed = 2
		}
		return relaxed
	}
	return t
}

// JudgeDisabled reports whether the judge breaker is open for a model.
func (g *QualityGate) JudgeDisabled(model string) bool {
	return g.rejections[model] >= judgeBreakerLimit
}

// ResetWave clears the per-model judge rejection streaks.
func (g *QualityGate) ResetWave() {
	g.rejections = make(map[string]int)
}

// Evaluate runs the validator stack over one result and returns the
// verdict. The artifact inventory is computed once here and shared by
// pre-flight and the judge's file previews. Usage incurred by the judge is
// reported through usage (nil-able).
func (g *QualityGate) Evaluate(ctx context.Context, task *models.Subtask, result *models.SubtaskResult, criteria []string, usage *llm.Usage) Verdict {
	arts := taskArtifacts(task, result)

	pf := preflight(g.cfg, task, result, arts)
	if !pf.Passed {
		// The judge auto-fails when pre-flight fails.
		return Verdict{Accepted: false, Score: pf.Score, Feedback: pf.Feedback}
	}

	concreteOK := true
	concreteMsg := ""
	if g.cfg.EnableConcreteValidation {
		concreteOK, concreteMsg = concreteCheck(task, result)
		if !concreteOK {
			return Verdict{
				Accepted:        false,
				Score:           2,
				Feedback:        "concrete validation failed: " + concreteMsg,
				PreflightPassed: true,
			}
		}
	}

	if !g.cfg.QualityGates || g.JudgeDisabled(result.Model) {
		// Breaker open or judging disabled: deterministic validators decide.
		return Verdict{Accepted: true, Score: pf.Score, PreflightPassed: true}
	}

	score, feedback, err := g.judge(ctx, task, result, criteria, arts, usage)
	if err != nil {
		// Gate-error fallback: accept iff concrete checks passed.
		return Verdict{
			Accepted:        concreteOK,
			Score:           pf.Score,
			Feedback:        fmt.Sprintf("judge unavailable (%v); concrete checks decided", err),
			PreflightPassed: true,
			JudgeErrored:    true,
		}
	}

	threshold := g.Threshold(task)
	accepted := score >= threshold
	if accepted {
		g.rejections[result.Model] = 0
	} else {
		g.rejections[result.Model]++
	}
	return Verdict{
		Accepted:        accepted,
		Score:           score,
		Feedback:        feedback,
		PreflightPassed: true,
		JudgeUsed:       true,
	}
}

// judgeReply is the JSON shape the judge is instructed to return.
type judgeReply struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

func (g *QualityGate) judge(ctx context.Context, task *models.Subtask, result *models.SubtaskResult, criteria []string, arts []models.Artifact, usage *llm.Usage) (int, string, error) {
	var b strings.Builder
	b.WriteString("You are reviewing the output of a coding-swarm subtask. Reply with raw JSON only: {\"score\": <1-5 integer>, \"feedback\": \"<one paragraph>\"}.\n\n")
	fmt.Fprintf(&b, "Task (%s, complexity %d): %s\n\n", task.Type, task.Complexity, task.Description)
	if len(criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Worker output:\n%s\n", truncateForJudge(result.Output, 6000))

	previews := 0
	for _, a := range arts {
		if !a.Exists || previews >= judgeMaxFiles {
			continue
		}
		data, err := os.ReadFile(a.Path)
		if err != nil {
			continue
		}
		if len(data) > judgeMaxPreviewBytes {
			data = data[:judgeMaxPreviewBytes]
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", a.Path, string(data))
		previews++
	}

	resp, err := g.client.Chat(ctx, []llm.Message{
		{Role: "user", Content: b.String()},
	}, llm.Options{Model: g.judgeModel, MaxTokens: 512})
	if err != nil {
		return 0, "", err
	}
	if usage != nil {
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
		usage.CostUSD += resp.Usage.CostUSD
	}

	raw := llm.ExtractJSON(resp.Content)
	var reply judgeReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return 0, "", fmt.Errorf("unparseable judge reply: %w", err)
	}
	if reply.Score < 1 || reply.Score > 5 {
		return 0, "", fmt.Errorf("judge score %d out of range", reply.Score)
	}
	return reply.Score, reply.Feedback, nil
}

func truncateForJudge(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
