package swarm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/models"
)

// PreflightResult is the outcome of the cheap, deterministic validation
// that runs before any LLM judging. Score is 1-3: the pre-flight ceiling
// is deliberately below a passing judge score.
type PreflightResult struct {
	Passed   bool
	Score    int
	Feedback string
}

// artifactMention matches file paths the task description demands, e.g.
// "create internal/foo/bar.go".
var artifactMention = regexp.MustCompile(`\b[\w./-]+\.(go|py|ts|js|rs|java|md|yaml|yml|json|sql|sh|proto)\b`)

// preflight checks that the output is non-trivial for the task type, that
// claimed file modifications exist and are non-empty, and that artifacts
// the description mandates are present. The artifact inventory is computed
// once by the caller and shared with the judge.
func preflight(cfg *config.Config, task *models.Subtask, result *models.SubtaskResult, arts []models.Artifact) PreflightResult {
	spec := cfg.TaskTypeFor(task.Type)

	minLen := spec.MinOutputLength
	if len(strings.TrimSpace(result.Output)) < minLen && len(result.FilesModified) == 0 {
		return PreflightResult{
			Passed:   false,
			Score:    1,
			Feedback: fmt.Sprintf("output below the %d-character minimum for %s tasks and no files modified", minLen, task.Type),
		}
	}

	if spec.RequiresToolUse && result.ToolCalls <= 0 && len(result.FilesModified) == 0 {
		return PreflightResult{
			Passed:   false,
			Score:    1,
			Feedback: fmt.Sprintf("%s tasks require tool activity, but the worker made no tool calls and modified no files", task.Type),
		}
	}

	byPath := make(map[string]models.Artifact, len(arts))
	for _, a := range arts {
		byPath[a.Path] = a
	}

	for _, f := range result.FilesModified {
		a, ok := byPath[f]
		if !ok {
			continue
		}
		if !a.Exists {
			return PreflightResult{
				Passed:   false,
				Score:    1,
				Feedback: fmt.Sprintf("claimed modification of %s but the file does not exist", f),
			}
		}
		if a.Size == 0 {
			return PreflightResult{
				Passed:   false,
				Score:    1,
				Feedback: fmt.Sprintf("claimed modification of %s but the file is empty", f),
			}
		}
	}

	// Description-mandated artifacts: when the description names concrete
	// files and the task targets them, they must exist after completion.
	if len(task.TargetFiles) > 0 {
		mentioned := artifactMention.FindAllString(task.Description, -1)
		for _, m := range mentioned {
			for _, target := range task.TargetFiles {
				if strings.HasSuffix(target, m) || strings.HasSuffix(m, target) {
					if a, ok := byPath[target]; ok && !a.Exists {
						return PreflightResult{
							Passed:   false,
							Score:    1,
							Feedback: fmt.Sprintf("description requires %s but it was not created", target),
						}
					}
				}
			}
		}
	}

	score := 2
	if len(result.FilesModified) > 0 || result.ToolCalls > 0 {
		score = 3
	}
	return PreflightResult{Passed: true, Score: score}
}
