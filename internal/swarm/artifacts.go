package swarm

import (
	"os"
	"sort"

	"github.com/eren23/attoswarm/internal/models"
)

// inventoryPaths stats each path once and reports existence and size.
func inventoryPaths(paths []string) []models.Artifact {
	seen := make(map[string]bool, len(paths))
	out := make([]models.Artifact, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		a := models.Artifact{Path: p}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			a.Exists = true
			a.Size = info.Size()
		}
		out = append(out, a)
	}
	return out
}

// taskArtifacts inventories a subtask's target files plus anything the
// worker claimed to have modified.
func taskArtifacts(task *models.Subtask, result *models.SubtaskResult) []models.Artifact {
	paths := append([]string(nil), task.TargetFiles...)
	if result != nil {
		paths = append(paths, result.FilesModified...)
	}
	return inventoryPaths(paths)
}

// SwarmInventory scans every target and read path in the queue, for the
// end-of-swarm artifact report. Paths are deduplicated and sorted.
func SwarmInventory(tasks []*models.Subtask) []models.Artifact {
	var paths []string
	for _, t := range tasks {
		paths = append(paths, t.TargetFiles...)
		paths = append(paths, t.ReadFiles...)
		if t.Result != nil {
			paths = append(paths, t.Result.FilesModified...)
		}
	}
	arts := inventoryPaths(paths)
	sort.Slice(arts, func(i, j int) bool { return arts[i].Path < arts[j].Path })
	return arts
}

// anyArtifactOnDisk reports whether at least one artifact exists with
// non-zero size.
func anyArtifactOnDisk(arts []models.Artifact) bool {
	for _, a := range arts {
		if a.Exists && a.Size > 0 {
			return true
		}
	}
	return false
}
