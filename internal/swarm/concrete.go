package swarm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eren23/attoswarm/internal/models"
)

// concreteCheck verifies the shape of claimed files beyond existence:
// .json files must parse, .go files must carry a package clause, and .sh
// files must be non-empty; test tasks must also mention test, Test, assert
// or expect in their output or file names. File extensions are not matched
// against the task type, and the description is not searched for
// identifiers. Cheap and deterministic; no LLM involved.
func concreteCheck(task *models.Subtask, result *models.SubtaskResult) (bool, string) {
	if result == nil {
		return false, "no result to check"
	}

	for _, f := range result.FilesModified {
		data, err := os.ReadFile(f)
		if err != nil {
			// Missing or unreadable files are skipped here; existence is
			// pre-flight's job, and only readable files are shape-checked.
			continue
		}
		if msg := checkFileShape(f, data); msg != "" {
			return false, msg
		}
	}

	if task.Type == models.TypeTest {
		if !mentionsAny(result, "test", "Test", "assert", "expect") {
			return false, "test task produced no test-shaped output"
		}
	}
	return true, ""
}

func checkFileShape(path string, data []byte) string {
	switch filepath.Ext(path) {
	case ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Sprintf("%s is not valid JSON: %v", path, err)
		}
	case ".go":
		if !strings.Contains(string(data), "package ") {
			return fmt.Sprintf("%s has no package clause", path)
		}
	case ".sh":
		if len(data) == 0 {
			return fmt.Sprintf("%s is empty", path)
		}
	}
	return ""
}

func mentionsAny(result *models.SubtaskResult, needles ...string) bool {
	hay := result.Output
	for _, f := range result.FilesModified {
		hay += " " + f
	}
	for _, n := range needles {
		if strings.Contains(hay, n) {
			return true
		}
	}
	return false
}
