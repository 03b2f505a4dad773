// Package queue stores the subtask DAG, derives execution waves, and owns
// every subtask state transition.
//
// Waves are computed with Kahn-style topological layering: a subtask's wave
// is 1 + the maximum wave of its dependencies (0 for roots). The queue is
// the serialization point for status changes; invalid transitions are
// programmer errors and panic rather than returning runtime failures.
package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

// Queue holds the DAG and the current wave cursor. All mutation happens
// from the orchestrator's decision loop; the queue itself is not locked.
type Queue struct {
	tasks      map[string]*models.Subtask
	order      []string            // insertion order, drives dispatch order
	dependents map[string][]string // prerequisite -> dependents
	floors     map[string]int      // minimum wave for fixup/re-plan insertions

	currentWave int
	now         func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		tasks:      make(map[string]*models.Subtask),
		dependents: make(map[string][]string),
		floors:     make(map[string]int),
		now:        time.Now,
	}
}

// LoadFromDecomposition ingests a validated decomposition: assigns waves,
// flags foundation tasks (dependency of >= 2 others), and marks roots
// ready.
func (q *Queue) LoadFromDecomposition(dec *models.Decomposition) error {
	if err := dec.Validate(); err != nil {
		return err
	}
	for i := range dec.Subtasks {
		t := dec.Subtasks[i].Clone()
		t.Status = models.StatusPending
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
	}
	q.rebuildDependents()
	q.recomputeWaves()

	// Foundation detection: a task that >= 2 others depend on.
	for id, deps := range q.dependents {
		if len(deps) >= 2 {
			q.tasks[id].Foundation = true
		}
	}

	for _, id := range q.order {
		t := q.tasks[id]
		if len(t.DependsOn) == 0 {
			t.Status = models.StatusReady
		}
	}
	return nil
}

func (q *Queue) rebuildDependents() {
	q.dependents = make(map[string][]string, len(q.tasks))
	for _, id := range q.order {
		for _, dep := range q.tasks[id].DependsOn {
			q.dependents[dep] = append(q.dependents[dep], id)
		}
	}
}

// recomputeWaves relayers the whole graph. Floors only ever raise a wave,
// so wave monotonicity (dependent strictly above dependency) is preserved.
func (q *Queue) recomputeWaves() {
	memo := make(map[string]int, len(q.tasks))
	var waveOf func(id string) int
	waveOf = func(id string) int {
		if w, ok := memo[id]; ok {
			return w
		}
		memo[id] = 0 // cycle guard; load validation rejects real cycles
		w := 0
		for _, dep := range q.tasks[id].DependsOn {
			if _, ok := q.tasks[dep]; !ok {
				continue
			}
			if dw := waveOf(dep) + 1; dw > w {
				w = dw
			}
		}
		if floor, ok := q.floors[id]; ok && floor > w {
			w = floor
		}
		memo[id] = w
		return w
	}
	for _, id := range q.order {
		q.tasks[id].Wave = waveOf(id)
	}
}

func (q *Queue) mustGet(id string) *models.Subtask {
	t, ok := q.tasks[id]
	if !ok {
		panic(fmt.Sprintf("queue: unknown subtask %q", id))
	}
	return t
}

// Get returns the subtask or nil.
func (q *Queue) Get(id string) *models.Subtask {
	return q.tasks[id]
}

// All returns the subtasks in insertion order.
func (q *Queue) All() []*models.Subtask {
	out := make([]*models.Subtask, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id])
	}
	return out
}

// Len returns the number of subtasks.
func (q *Queue) Len() int { return len(q.order) }

// CurrentWave returns the wave cursor.
func (q *Queue) CurrentWave() int { return q.currentWave }

// MaxWave returns the highest wave index present.
func (q *Queue) MaxWave() int {
	max := 0
	for _, id := range q.order {
		if w := q.tasks[id].Wave; w > max {
			max = w
		}
	}
	return max
}

// WaveMembers returns the subtask ids in a wave, in insertion order.
func (q *Queue) WaveMembers(wave int) []string {
	var out []string
	for _, id := range q.order {
		if q.tasks[id].Wave == wave {
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue) depsSatisfied(t *models.Subtask) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok {
			continue
		}
		if d.Status != models.StatusCompleted && d.Status != models.StatusDecomposed {
			return false
		}
	}
	return true
}

func (q *Queue) eligible(t *models.Subtask) bool {
	if t.Status != models.StatusReady {
		return false
	}
	if !t.RetryAfter.IsZero() && q.now().Before(t.RetryAfter) {
		return false
	}
	return q.depsSatisfied(t)
}

// GetReadyTasks returns dispatchable tasks in the current wave, in
// insertion order.
func (q *Queue) GetReadyTasks() []*models.Subtask {
	var out []*models.Subtask
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Wave == q.currentWave && q.eligible(t) {
			out = append(out, t)
		}
	}
	return out
}

// GetAllReadyTasks returns dispatchable tasks across all waves, used for
// slot-filling when the current wave cannot saturate concurrency.
func (q *Queue) GetAllReadyTasks() []*models.Subtask {
	var out []*models.Subtask
	for _, id := range q.order {
		if t := q.tasks[id]; q.eligible(t) {
			out = append(out, t)
		}
	}
	return out
}

// MarkDispatched transitions ready -> dispatched, records the assigned
// model, and counts the attempt.
func (q *Queue) MarkDispatched(id, model string) {
	t := q.mustGet(id)
	if t.Status != models.StatusReady {
		panic(fmt.Sprintf("queue: dispatch of %s in status %s", id, t.Status))
	}
	t.Status = models.StatusDispatched
	t.Model = model
	t.Attempts++
	t.RetryAfter = time.Time{}
}

// MarkCompleted transitions dispatched (or failed, for degraded
// acceptance) -> completed and promotes dependents whose dependencies are
// now satisfied. Completing an already-completed task is a no-op.
func (q *Queue) MarkCompleted(id string, result *models.SubtaskResult) {
	t := q.mustGet(id)
	if t.Status == models.StatusCompleted {
		return
	}
	if t.Status != models.StatusDispatched && t.Status != models.StatusFailed {
		panic(fmt.Sprintf("queue: completion of %s in status %s", id, t.Status))
	}
	t.Status = models.StatusCompleted
	t.Result = result
	t.PendingCascadeSkip = false
	t.FailureMode = ""
	t.ConsecutiveTimeouts = 0
	if result != nil && result.Degraded {
		t.Degraded = true
	}
	q.promoteDependents(id)
}

// MarkFailedWithoutCascade records a failure and reports whether a retry
// slot remains. With retries left the task returns to ready; otherwise it
// stays failed and the caller decides whether to cascade.
func (q *Queue) MarkFailedWithoutCascade(id string, retryLimit int, mode models.FailureMode) bool {
	t := q.mustGet(id)
	if t.Status != models.StatusDispatched && t.Status != models.StatusFailed {
		panic(fmt.Sprintf("queue: failure of %s in status %s", id, t.Status))
	}
	t.FailureMode = mode
	if t.Attempts < retryLimit {
		t.Status = models.StatusReady
		return true
	}
	t.Status = models.StatusFailed
	return false
}

// MarkSkipped transitions a subtask to skipped. The orchestrator uses it
// when a pending cascade-skip is honored after the worker returns, for
// budget triage of leaf tasks, and when an all-failed probe aborts the run.
func (q *Queue) MarkSkipped(id string) {
	t := q.mustGet(id)
	if t.Status == models.StatusCompleted || t.Status == models.StatusDecomposed {
		panic(fmt.Sprintf("queue: skip of %s in status %s", id, t.Status))
	}
	t.Status = models.StatusSkipped
	t.PendingCascadeSkip = false
}

// SetRetryAfter records a non-blocking rate-limit cooldown on a task.
func (q *Queue) SetRetryAfter(id string, at time.Time) {
	q.mustGet(id).RetryAfter = at
}

// TriggerCascadeSkip marks all transitive descendants of id skipped.
// Completed and decomposed descendants are untouched; currently dispatched
// descendants get PendingCascadeSkip instead, honored when they complete
// only if their output fails pre-flight.
func (q *Queue) TriggerCascadeSkip(id string) []string {
	var skipped []string
	visited := map[string]bool{id: true}

	var walk func(string)
	walk = func(from string) {
		for _, dep := range q.dependents[from] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			t := q.tasks[dep]
			switch t.Status {
			case models.StatusCompleted, models.StatusDecomposed:
				// Finished work is never unwound.
			case models.StatusDispatched:
				t.PendingCascadeSkip = true
			case models.StatusSkipped:
			default:
				t.Status = models.StatusSkipped
				skipped = append(skipped, dep)
			}
			walk(dep)
		}
	}
	walk(id)
	return skipped
}

// AdvanceWave moves the cursor to the next populated wave. Returns false
// when no higher wave exists.
func (q *Queue) AdvanceWave() bool {
	max := q.MaxWave()
	for w := q.currentWave + 1; w <= max; w++ {
		if len(q.WaveMembers(w)) > 0 {
			q.currentWave = w
			return true
		}
	}
	return false
}

// AddFixupTasks appends review-emitted fix-up tasks to the current wave.
// Dependencies referencing unknown ids are dropped.
func (q *Queue) AddFixupTasks(tasks []models.Subtask) {
	q.insert(tasks, q.currentWave)
}

// AddReplanTasks appends re-plan tasks at the requested wave.
func (q *Queue) AddReplanTasks(tasks []models.Subtask, wave int) {
	q.insert(tasks, wave)
}

func (q *Queue) insert(tasks []models.Subtask, floor int) {
	for i := range tasks {
		t := tasks[i].Clone()
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		t.DependsOn = q.liveDeps(t.DependsOn)
		t.Status = models.StatusPending
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		q.floors[t.ID] = floor
	}
	q.rebuildDependents()
	q.recomputeWaves()
	for i := range tasks {
		t, ok := q.tasks[tasks[i].ID]
		if !ok {
			continue
		}
		if t.Status == models.StatusPending && q.depsSatisfied(t) {
			t.Status = models.StatusReady
		}
	}
}

func (q *Queue) liveDeps(deps []string) []string {
	var out []string
	for _, dep := range deps {
		if _, ok := q.tasks[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// ReplaceWithSubtasks marks the original decomposed and splices its
// replacement subtasks into the graph. Roots of the replacement inherit
// the original's dependencies; the original's dependents are rewired to
// depend on every leaf of the replacement.
func (q *Queue) ReplaceWithSubtasks(id string, subs []models.Subtask) {
	orig := q.mustGet(id)
	if orig.Status == models.StatusCompleted || orig.Status == models.StatusSkipped {
		panic(fmt.Sprintf("queue: replace of %s in status %s", id, orig.Status))
	}
	if len(subs) == 0 {
		panic("queue: replace with zero subtasks")
	}

	inSet := make(map[string]bool, len(subs))
	for i := range subs {
		inSet[subs[i].ID] = true
	}
	hasDependent := make(map[string]bool)
	for i := range subs {
		for _, dep := range subs[i].DependsOn {
			if inSet[dep] {
				hasDependent[dep] = true
			}
		}
	}
	var leaves []string
	for i := range subs {
		if !hasDependent[subs[i].ID] {
			leaves = append(leaves, subs[i].ID)
		}
	}

	for i := range subs {
		t := subs[i].Clone()
		// Keep intra-set dependencies, drop anything unknown, and give
		// roots the original's prerequisites.
		var deps []string
		for _, dep := range t.DependsOn {
			if inSet[dep] {
				deps = append(deps, dep)
			}
		}
		if len(deps) == 0 {
			deps = append(deps, orig.DependsOn...)
		}
		t.DependsOn = deps
		t.Status = models.StatusPending
		t.Foundation = orig.Foundation
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		q.floors[t.ID] = q.currentWave
	}

	// Rewire dependents of the original onto the leaves.
	for _, depID := range q.dependents[id] {
		d := q.tasks[depID]
		var deps []string
		for _, dep := range d.DependsOn {
			if dep != id {
				deps = append(deps, dep)
			}
		}
		d.DependsOn = append(deps, leaves...)
	}

	orig.Status = models.StatusDecomposed
	orig.PendingCascadeSkip = false

	q.rebuildDependents()
	q.recomputeWaves()

	for i := range subs {
		t := q.tasks[subs[i].ID]
		if q.depsSatisfied(t) {
			t.Status = models.StatusReady
		}
	}
	q.promoteDependents(id)
}

// RequeueFailed returns a terminally failed subtask to ready, used by
// wave recovery. Returns false when the task is not failed.
func (q *Queue) RequeueFailed(id string) bool {
	t := q.mustGet(id)
	if t.Status != models.StatusFailed {
		return false
	}
	t.Status = models.StatusReady
	return true
}

// RescueTask returns a skipped subtask to ready. Rejected (returns false)
// when the task is not skipped or its dependencies remain unsatisfied.
func (q *Queue) RescueTask(id, reason string) bool {
	t := q.mustGet(id)
	if t.Status != models.StatusSkipped {
		return false
	}
	if !q.depsSatisfied(t) {
		return false
	}
	t.Status = models.StatusReady
	t.FailureMode = ""
	return true
}

// ResetOrphanedDispatched returns dispatched tasks to ready after a resume:
// their workers died with the previous process. Attempts are clamped below
// the retry ceiling so each orphan gets at least one more dispatch.
func (q *Queue) ResetOrphanedDispatched(retryLimit int) int {
	count := 0
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status != models.StatusDispatched {
			continue
		}
		t.Status = models.StatusReady
		if t.Attempts >= retryLimit {
			t.Attempts = retryLimit - 1
		}
		count++
	}
	return count
}

// ResumeRescue re-enables work after a restore: skipped tasks whose
// dependencies are now satisfied and failed tasks with retry budget left
// both return to ready. Returns the number of rescued tasks.
func (q *Queue) ResumeRescue(retryLimit int) int {
	count := 0
	for _, id := range q.order {
		t := q.tasks[id]
		switch t.Status {
		case models.StatusSkipped:
			if q.depsSatisfied(t) {
				t.Status = models.StatusReady
				count++
			}
		case models.StatusFailed:
			if t.Attempts < retryLimit {
				t.Status = models.StatusReady
				count++
			}
		}
	}
	return count
}

func (q *Queue) promoteDependents(id string) {
	for _, depID := range q.dependents[id] {
		t := q.tasks[depID]
		if t.Status == models.StatusPending && q.depsSatisfied(t) {
			t.Status = models.StatusReady
		}
	}
}

// CountByStatus tallies subtasks per status.
func (q *Queue) CountByStatus() map[models.Status]int {
	out := make(map[models.Status]int)
	for _, id := range q.order {
		out[q.tasks[id].Status]++
	}
	return out
}

// ActiveRemaining reports whether any subtask can still make progress.
func (q *Queue) ActiveRemaining() bool {
	for _, id := range q.order {
		switch q.tasks[id].Status {
		case models.StatusPending, models.StatusReady, models.StatusDispatched:
			return true
		}
	}
	return false
}

// Snapshot captures the queue for a checkpoint. Tasks are deep-copied in
// insertion order.
func (q *Queue) Snapshot() models.QueueSnapshot {
	snap := models.QueueSnapshot{
		CurrentWave: q.currentWave,
		Waves:       make(map[string][]string),
	}
	for _, id := range q.order {
		snap.Tasks = append(snap.Tasks, *q.tasks[id].Clone())
	}
	for w := 0; w <= q.MaxWave(); w++ {
		if members := q.WaveMembers(w); len(members) > 0 {
			snap.Waves[fmt.Sprintf("%d", w)] = members
		}
	}
	return snap
}

// Restore rebuilds the queue from a checkpoint snapshot.
func (q *Queue) Restore(snap models.QueueSnapshot) {
	q.tasks = make(map[string]*models.Subtask, len(snap.Tasks))
	q.order = q.order[:0]
	q.floors = make(map[string]int)
	for i := range snap.Tasks {
		t := snap.Tasks[i].Clone()
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		q.floors[t.ID] = t.Wave
	}
	q.currentWave = snap.CurrentWave
	q.rebuildDependents()
}

// SortedIDs returns all subtask ids sorted lexically, for deterministic
// summaries.
func (q *Queue) SortedIDs() []string {
	ids := append([]string(nil), q.order...)
	sort.Strings(ids)
	return ids
}
