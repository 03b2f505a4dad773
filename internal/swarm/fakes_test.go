package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/spawn"
)

// fakeChat scripts LLM replies by matching a substring of the prompt.
// Unmatched prompts get the fallback reply.
type fakeChat struct {
	mu       sync.Mutex
	rules    []chatRule
	fallback string
	calls    []string
}

type chatRule struct {
	match string
	reply string
	err   error
	once  bool
	used  bool
}

func newFakeChat() *fakeChat {
	return &fakeChat{fallback: `{"score": 4, "feedback": "looks good"}`}
}

func (f *fakeChat) on(match, reply string) *fakeChat {
	f.rules = append(f.rules, chatRule{match: match, reply: reply})
	return f
}

func (f *fakeChat) onOnce(match, reply string) *fakeChat {
	f.rules = append(f.rules, chatRule{match: match, reply: reply, once: true})
	return f
}

func (f *fakeChat) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prompt := messages[len(messages)-1].Content
	f.calls = append(f.calls, prompt)
	for i := range f.rules {
		r := &f.rules[i]
		if r.once && r.used {
			continue
		}
		if strings.Contains(prompt, r.match) {
			r.used = true
			if r.err != nil {
				return nil, r.err
			}
			return &llm.Response{
				Content: r.reply,
				Usage:   llm.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
			}, nil
		}
	}
	return &llm.Response{
		Content: f.fallback,
		Usage:   llm.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	}, nil
}

func (f *fakeChat) ChatWithTools(ctx context.Context, messages []llm.Message, opts llm.ToolOptions) (*llm.ToolResponse, error) {
	return &llm.ToolResponse{
		ToolCalls: []llm.ToolCall{{Name: "report_status"}},
		Usage:     llm.Usage{TotalTokens: 20},
	}, nil
}

// fakeSpawner scripts worker outcomes per task-id marker embedded in the
// prompt, with a default success.
type fakeSpawner struct {
	mu      sync.Mutex
	outcome func(req spawn.Request) (*spawn.Result, error)
	spawns  []spawn.Request
}

func (f *fakeSpawner) Spawn(ctx context.Context, req spawn.Request) (*spawn.Result, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, req)
	outcome := f.outcome
	f.mu.Unlock()

	if outcome != nil {
		return outcome(req)
	}
	return &spawn.Result{
		Success: true,
		Output: "Completed the assigned subtask end to end: investigated the relevant modules, implemented the " +
			"requested behavior, exercised it against the task description, and confirmed the checks pass. " +
			"The findings and changes are summarized above for the downstream merge step to consume.",
		TokensUsed: 500,
		CostUSD:    0.01,
		ToolCalls:  3,
	}, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

// decompositionJSON builds a scripted decomposition reply. deps maps
// subtask index -> dependency indices.
func decompositionJSON(n int, deps map[int][]int, taskType string) string {
	var subs []string
	for i := 0; i < n; i++ {
		depList := "[]"
		if d, ok := deps[i]; ok {
			parts := make([]string, len(d))
			for j, v := range d {
				parts[j] = fmt.Sprintf("%d", v)
			}
			depList = "[" + strings.Join(parts, ",") + "]"
		}
		subs = append(subs, fmt.Sprintf(
			`{"description": "subtask %d of the plan", "type": %q, "complexity": 3, "depends_on": %s, "target_files": [], "read_files": []}`,
			i+1, taskType, depList))
	}
	return fmt.Sprintf(`{"strategy": "adaptive", "reasoning": "scripted", "subtasks": [%s]}`, strings.Join(subs, ","))
}
