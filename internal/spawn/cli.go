package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

// CLISpawner runs workers through the claude CLI binary. It follows the
// http.Client pattern: create once, use for every spawn; safe for
// concurrent use.
type CLISpawner struct {
	// BinaryPath is the claude CLI binary. Defaults to "claude".
	BinaryPath string

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// NewCLISpawner creates a spawner with defaults.
func NewCLISpawner() *CLISpawner {
	return &CLISpawner{BinaryPath: "claude"}
}

// cliReply mirrors the claude CLI --output-format json envelope. Unknown
// fields are ignored.
type cliReply struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Spawn implements Spawner. The per-request timeout is enforced here; on
// expiry the result carries the ToolCalls timeout sentinel and whatever
// output was captured, so degraded acceptance can inspect partial work.
func (s *CLISpawner) Spawn(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.Retry != nil {
		prompt = prompt + "\n\n" + formatRetryContext(req.Retry)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"-p", prompt, "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, s.ExtraArgs...)

	binary := s.BinaryPath
	if binary == "" {
		binary = "claude"
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, binary, args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Result{
			Success:   false,
			Output:    string(output),
			Duration:  duration,
			ToolCalls: models.ToolCallsTimedOut,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w (output: %s)", req.WorkerName, err, truncate(string(output), 500))
	}

	res := &Result{Duration: duration}
	var reply cliReply
	if jerr := json.Unmarshal(output, &reply); jerr != nil {
		// Non-JSON output still counts as a completion; the quality gate
		// decides what it is worth.
		res.Success = true
		res.Output = string(output)
		return res, nil
	}

	res.Success = !reply.IsError
	res.Output = reply.Result
	res.CostUSD = reply.TotalCostUSD
	res.TokensUsed = reply.Usage.InputTokens + reply.Usage.OutputTokens
	// The CLI does not expose a tool-call count directly; turns beyond the
	// first imply tool round-trips.
	if reply.NumTurns > 1 {
		res.ToolCalls = reply.NumTurns - 1
	}
	res.Closure = parseClosure(reply.Result)
	if res.Closure != nil {
		res.FilesModified = res.Closure.FilesTouched
	}
	return res, nil
}

// parseClosure extracts an optional structured closure report the worker
// may have appended as a trailing JSON object.
func parseClosure(output string) *models.ClosureReport {
	idx := strings.LastIndex(output, `{"closure"`)
	if idx < 0 {
		return nil
	}
	var wrapper struct {
		Closure *models.ClosureReport `json:"closure"`
	}
	if err := json.Unmarshal([]byte(output[idx:]), &wrapper); err != nil {
		return nil
	}
	return wrapper.Closure
}

func formatRetryContext(rc *models.RetryContext) string {
	var b strings.Builder
	b.WriteString("Previous attempt feedback:\n")
	if rc.Feedback != "" {
		fmt.Fprintf(&b, "- %s\n", rc.Feedback)
	}
	if rc.Score > 0 {
		fmt.Fprintf(&b, "- previous quality score: %d/5\n", rc.Score)
	}
	if rc.PreviousModel != "" {
		fmt.Fprintf(&b, "- previous model: %s\n", rc.PreviousModel)
	}
	if len(rc.PreviousFiles) > 0 {
		fmt.Fprintf(&b, "- files from previous attempt: %s\n", strings.Join(rc.PreviousFiles, ", "))
	}
	if rc.Progress != "" {
		fmt.Fprintf(&b, "\nSwarm progress so far:\n%s\n", rc.Progress)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
