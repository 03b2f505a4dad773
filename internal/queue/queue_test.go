package queue

import (
	"testing"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

func task(id string, deps ...string) models.Subtask {
	return models.Subtask{
		ID:          id,
		Description: "do " + id,
		Type:        models.TypeImplement,
		Complexity:  3,
		DependsOn:   deps,
	}
}

func load(t *testing.T, tasks ...models.Subtask) *Queue {
	t.Helper()
	q := New()
	dec := &models.Decomposition{
		Subtasks:    tasks,
		Strategy:    models.StrategyAdaptive,
		LLMAssisted: true,
	}
	if err := q.LoadFromDecomposition(dec); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return q
}

// diamond: a -> (b, c) -> d
func diamond(t *testing.T) *Queue {
	return load(t, task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"))
}

func TestWaveLayering(t *testing.T) {
	q := diamond(t)

	expect := map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}
	for id, wave := range expect {
		if got := q.Get(id).Wave; got != wave {
			t.Errorf("wave(%s): expected %d, got %d", id, wave, got)
		}
	}
}

func TestWaveMonotonicity(t *testing.T) {
	q := load(t,
		task("a"), task("b", "a"), task("c", "b"), task("d", "a", "c"), task("e"),
	)
	for _, s := range q.All() {
		for _, dep := range s.DependsOn {
			if s.Wave <= q.Get(dep).Wave {
				t.Errorf("wave(%s)=%d not above wave(%s)=%d", s.ID, s.Wave, dep, q.Get(dep).Wave)
			}
		}
	}
}

func TestFoundationDetection(t *testing.T) {
	q := diamond(t)
	if !q.Get("a").Foundation {
		t.Error("a has 2 dependents and should be a foundation task")
	}
	if q.Get("b").Foundation {
		t.Error("b has a single dependent and should not be a foundation task")
	}
}

func TestReadyTasksFollowWaves(t *testing.T) {
	q := diamond(t)

	ready := q.GetReadyTasks()
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("wave 0 should expose only a, got %v", ids(ready))
	}

	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})

	if got := q.GetReadyTasks(); len(got) != 0 {
		t.Errorf("b,c are in wave 1, current wave is 0: got %v", ids(got))
	}
	if got := q.GetAllReadyTasks(); len(got) != 2 {
		t.Errorf("slot-filling view should expose b,c: got %v", ids(got))
	}

	if !q.AdvanceWave() {
		t.Fatal("AdvanceWave should reach wave 1")
	}
	if got := ids(q.GetReadyTasks()); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("wave 1 should expose b,c in insertion order, got %v", got)
	}
}

func TestRetryAfterCooldown(t *testing.T) {
	q := load(t, task("a"), task("b", "a"))
	q.SetRetryAfter("a", time.Now().Add(time.Hour))

	if got := q.GetReadyTasks(); len(got) != 0 {
		t.Errorf("cooled-down task should not be ready, got %v", ids(got))
	}

	q.SetRetryAfter("a", time.Now().Add(-time.Second))
	if got := q.GetReadyTasks(); len(got) != 1 {
		t.Errorf("expired cooldown should restore eligibility, got %v", ids(got))
	}
}

func TestFailureRetrySlots(t *testing.T) {
	q := load(t, task("a"), task("b", "a"))

	q.MarkDispatched("a", "m1")
	if !q.MarkFailedWithoutCascade("a", 2, models.FailureError) {
		t.Fatal("first failure should leave a retry slot")
	}
	if q.Get("a").Status != models.StatusReady {
		t.Errorf("retryable failure should return to ready, got %s", q.Get("a").Status)
	}

	q.MarkDispatched("a", "m1")
	if q.MarkFailedWithoutCascade("a", 2, models.FailureError) {
		t.Fatal("second failure should exhaust retries")
	}
	if q.Get("a").Status != models.StatusFailed {
		t.Errorf("exhausted task should be failed, got %s", q.Get("a").Status)
	}
}

func TestCascadeSkip(t *testing.T) {
	q := load(t, task("a"), task("b", "a"), task("c", "b"), task("d"))

	q.MarkDispatched("a", "m1")
	q.MarkFailedWithoutCascade("a", 1, models.FailureError)
	skipped := q.TriggerCascadeSkip("a")

	if len(skipped) != 2 {
		t.Fatalf("expected b,c skipped, got %v", skipped)
	}
	if q.Get("d").Status == models.StatusSkipped {
		t.Error("d is not a descendant of a and must not be skipped")
	}
}

func TestCascadeSkipSparesCompleted(t *testing.T) {
	q := diamond(t)
	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})
	q.AdvanceWave()
	q.MarkDispatched("b", "m1")
	q.MarkCompleted("b", &models.SubtaskResult{Success: true})

	q.MarkDispatched("c", "m1")
	q.MarkFailedWithoutCascade("c", 1, models.FailureError)
	q.TriggerCascadeSkip("c")

	if q.Get("b").Status != models.StatusCompleted {
		t.Error("cascade-skip reached a completed task")
	}
	if q.Get("d").Status != models.StatusSkipped {
		t.Errorf("d depends on c and should be skipped, got %s", q.Get("d").Status)
	}
}

func TestCascadeSkipPendingOnDispatched(t *testing.T) {
	q2 := load(t, task("x"), task("y", "x"))
	q2.MarkDispatched("x", "m1")
	q2.MarkCompleted("x", &models.SubtaskResult{Success: true})
	q2.AdvanceWave()
	q2.MarkDispatched("y", "m1")
	q2.Get("x").Status = models.StatusFailed // forced for cascade
	q2.TriggerCascadeSkip("x")

	if q2.Get("y").Status != models.StatusDispatched {
		t.Errorf("dispatched descendant must keep running, got %s", q2.Get("y").Status)
	}
	if !q2.Get("y").PendingCascadeSkip {
		t.Error("dispatched descendant should carry PendingCascadeSkip")
	}

	// A pre-flight-passing completion overrides the pending skip.
	q2.MarkCompleted("y", &models.SubtaskResult{Success: true})
	if q2.Get("y").Status != models.StatusCompleted || q2.Get("y").PendingCascadeSkip {
		t.Error("completion should clear the pending cascade skip")
	}
}

func TestReplaceWithSubtasksRewiresDependents(t *testing.T) {
	q := load(t, task("a"), task("b", "a"), task("c", "b"))

	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})
	q.AdvanceWave()
	q.MarkDispatched("b", "m1")

	subs := []models.Subtask{
		task("b1"),
		task("b2"),
		task("b3", "b1", "b2"),
	}
	q.ReplaceWithSubtasks("b", subs)

	if q.Get("b").Status != models.StatusDecomposed {
		t.Errorf("original should be decomposed, got %s", q.Get("b").Status)
	}

	// Reachability: c must now depend on the leaves of the replacement.
	cDeps := q.Get("c").DependsOn
	if len(cDeps) != 1 || cDeps[0] != "b3" {
		t.Errorf("c should depend on leaf b3, got %v", cDeps)
	}

	// Roots inherit b's prerequisites and are immediately ready.
	for _, id := range []string{"b1", "b2"} {
		if got := q.Get(id).DependsOn; len(got) != 1 || got[0] != "a" {
			t.Errorf("%s should inherit dependency on a, got %v", id, got)
		}
		if q.Get(id).Status != models.StatusReady {
			t.Errorf("%s should be ready, got %s", id, q.Get(id).Status)
		}
	}

	// Splice lands in the current wave.
	if w := q.Get("b1").Wave; w != q.CurrentWave() {
		t.Errorf("replacement roots should join wave %d, got %d", q.CurrentWave(), w)
	}
	if q.Get("b3").Wave <= q.Get("b1").Wave {
		t.Error("intra-set dependency must keep wave monotonicity")
	}
}

func TestRescueRejectsUnsatisfiedDeps(t *testing.T) {
	q := load(t, task("a"), task("b", "a"))
	q.MarkDispatched("a", "m1")
	q.MarkFailedWithoutCascade("a", 1, models.FailureError)
	q.TriggerCascadeSkip("a")

	if q.RescueTask("b", "lenient") {
		t.Error("rescue must be rejected while a is failed")
	}
	if q.Get("b").Status != models.StatusSkipped {
		t.Errorf("rejected rescue must not change status, got %s", q.Get("b").Status)
	}

	q.Get("a").Status = models.StatusCompleted
	if !q.RescueTask("b", "lenient") {
		t.Error("rescue should succeed once dependencies are satisfied")
	}
}

func TestResetOrphanedDispatched(t *testing.T) {
	q := load(t, task("a"), task("b"))
	q.MarkDispatched("a", "m1")
	q.Get("a").Attempts = 3

	count := q.ResetOrphanedDispatched(3)
	if count != 1 {
		t.Fatalf("expected 1 orphan reset, got %d", count)
	}
	if q.Get("a").Status != models.StatusReady {
		t.Errorf("orphan should be ready, got %s", q.Get("a").Status)
	}
	if q.Get("a").Attempts != 2 {
		t.Errorf("orphan attempts should sit below the ceiling, got %d", q.Get("a").Attempts)
	}
}

func TestSnapshotRestorePreservesCounts(t *testing.T) {
	q := diamond(t)
	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})
	q.AdvanceWave()
	q.MarkDispatched("b", "m1")

	snap := q.Snapshot()

	restored := New()
	restored.Restore(snap)

	if restored.Len() != q.Len() {
		t.Fatalf("restore lost tasks: %d vs %d", restored.Len(), q.Len())
	}
	before := q.CountByStatus()
	after := restored.CountByStatus()
	for status, n := range before {
		if after[status] != n {
			t.Errorf("status %s: expected %d, got %d", status, n, after[status])
		}
	}
	if restored.CurrentWave() != q.CurrentWave() {
		t.Errorf("wave cursor lost: %d vs %d", restored.CurrentWave(), q.CurrentWave())
	}
}

func TestFixupTasksJoinCurrentWave(t *testing.T) {
	q := load(t, task("a"), task("b", "a"))
	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})
	q.AdvanceWave()

	q.AddFixupTasks([]models.Subtask{task("fix-1"), task("fix-2", "ghost", "a")})

	if w := q.Get("fix-1").Wave; w != 1 {
		t.Errorf("fixup without deps should join the current wave, got %d", w)
	}
	if deps := q.Get("fix-2").DependsOn; len(deps) != 1 || deps[0] != "a" {
		t.Errorf("unknown dependency should be dropped, got %v", deps)
	}
	if q.Get("fix-1").Status != models.StatusReady {
		t.Errorf("satisfied fixup should be ready, got %s", q.Get("fix-1").Status)
	}
}

func TestRedispatchCompletedIsNoop(t *testing.T) {
	q := load(t, task("a"), task("b", "a"))
	q.MarkDispatched("a", "m1")
	q.MarkCompleted("a", &models.SubtaskResult{Success: true})

	q.MarkCompleted("a", &models.SubtaskResult{Success: false})
	if !q.Get("a").Result.Success {
		t.Error("re-completing must not overwrite the original result")
	}
}

func ids(tasks []*models.Subtask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
