package swarm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

// CommandRunner abstracts shell execution for the verifier, for
// testability.
type CommandRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// ShellRunner executes commands via sh -c.
type ShellRunner struct {
	WorkDir string
	Timeout time.Duration
}

// Run implements CommandRunner with combined stdout/stderr.
func (r *ShellRunner) Run(ctx context.Context, command string) (string, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if r.WorkDir != "" {
		cmd.Dir = r.WorkDir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// StepResult is the outcome of one integration step.
type StepResult struct {
	Step   models.IntegrationStep
	Index  int
	Passed bool
	Output string
}

// Verifier executes the integration-test plan. Each step runs as a
// synthetic worker; required-step failures produce fix-up tasks.
type Verifier struct {
	runner CommandRunner
}

// NewVerifier creates a verifier over a runner.
func NewVerifier(runner CommandRunner) *Verifier {
	return &Verifier{runner: runner}
}

// RunPlan executes all steps in order and reports per-step results.
// Execution continues past failures so one broken step does not hide the
// rest.
func (v *Verifier) RunPlan(ctx context.Context, steps []models.IntegrationStep, onStep func(StepResult)) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if ctx.Err() != nil {
			break
		}
		out, err := v.runner.Run(ctx, step.Command)
		passed := err == nil
		if passed && step.Expected != "" && !strings.Contains(out, step.Expected) {
			passed = false
		}
		r := StepResult{Step: step, Index: i, Passed: passed, Output: out}
		results = append(results, r)
		if onStep != nil {
			onStep(r)
		}
	}
	return results
}

// RequiredFailures filters results down to failed required steps.
func RequiredFailures(results []StepResult) []StepResult {
	var out []StepResult
	for _, r := range results {
		if r.Step.Required && !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// FixupsForFailures converts failed required steps into fix-up subtasks
// for re-verification.
func FixupsForFailures(attempt int, failures []StepResult) []models.Subtask {
	var out []models.Subtask
	for i, f := range failures {
		out = append(out, models.Subtask{
			ID:   fmt.Sprintf("verify-fix-%d-%d", attempt, i+1),
			Type: models.TypeImplement,
			Description: fmt.Sprintf(
				"Integration step %q failed. Command: %s\nOutput:\n%s\nMake this step pass.",
				f.Step.Description, f.Step.Command, truncateForJudge(f.Output, 1500)),
			Complexity: 4,
		})
	}
	return out
}
