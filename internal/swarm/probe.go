package swarm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/llm"
)

// ProbeReport is the outcome of probing every distinct model.
type ProbeReport struct {
	Passed []string
	Failed []string
}

// AllFailed reports whether no model produced a tool call.
func (r ProbeReport) AllFailed() bool {
	return len(r.Passed) == 0 && len(r.Failed) > 0
}

// probeTool is the synthetic tool models must call to prove tool-calling
// capability.
var probeTool = llm.ToolDef{
	Name:        "report_status",
	Description: "Report readiness. Call this tool with status set to \"ready\".",
	InputSchema: map[string]any{
		"status": map[string]any{"type": "string"},
	},
}

// ProbeModels calls each distinct model concurrently with a forced tool
// request. Models returning no tool call are reported failed. The tool
// client may be nil (probing skipped upstream).
func ProbeModels(ctx context.Context, cfg *config.Config, client llm.ToolClient, modelNames []string) ProbeReport {
	var (
		mu     sync.Mutex
		report ProbeReport
	)

	g, probeCtx := errgroup.WithContext(ctx)
	for _, model := range modelNames {
		g.Go(func() error {
			ok := probeOne(probeCtx, cfg, client, model)
			mu.Lock()
			if ok {
				report.Passed = append(report.Passed, model)
			} else {
				report.Failed = append(report.Failed, model)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func probeOne(ctx context.Context, cfg *config.Config, client llm.ToolClient, model string) bool {
	probeCtx := ctx
	var cancel context.CancelFunc
	if cfg.ProbeTimeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, cfg.ProbeTimeout)
		defer cancel()
	}

	resp, err := client.ChatWithTools(probeCtx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf("Call the %s tool now.", probeTool.Name)},
	}, llm.ToolOptions{
		Model:      model,
		MaxTokens:  256,
		Tools:      []llm.ToolDef{probeTool},
		ToolChoice: probeTool.Name,
	})
	if err != nil {
		return false
	}
	return len(resp.ToolCalls) > 0
}
