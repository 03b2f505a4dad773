package swarm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eren23/attoswarm/internal/checkpoint"
	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/events"
	"github.com/eren23/attoswarm/internal/models"
	"github.com/eren23/attoswarm/internal/spawn"
)

// eventCollector records every event for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) HandleEvent(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (c *eventCollector) find(t events.Type) *events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].Type == t {
			return &c.events[i]
		}
	}
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers = []config.WorkerSpec{
		{Name: "w1", Model: "model-a", Capabilities: []string{"research", "analysis", "implement", "test"}},
		{Name: "w2", Model: "model-b", Capabilities: []string{"research", "analysis", "implement", "test"}},
		{Name: "w3", Model: "model-c", Capabilities: []string{"merge", "integrate"}},
	}
	cfg.EnablePlanning = false
	cfg.EnableWaveReview = false
	cfg.EnableVerification = false
	cfg.EnablePersistence = false
	cfg.DisableProbe = true
	cfg.RetryBaseDelay = time.Millisecond
	cfg.DispatchStagger = time.Millisecond // clamps to the 200ms floor
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, chat *fakeChat, spawner *fakeSpawner) (*Orchestrator, *eventCollector) {
	t.Helper()
	bus := events.NewBus()
	collector := &eventCollector{}
	bus.Subscribe(collector)

	orch, err := New(cfg, Deps{Client: chat, Spawner: spawner, Bus: bus})
	require.NoError(t, err)
	return orch, collector
}

// Scenario 1: three parallel research subtasks feeding one merge subtask.
func TestHappyPathTwoWaves(t *testing.T) {
	cfg := testConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(4, map[int][]int{3: {0, 1, 2}}, "research"))
	// The merge subtask needs the merge capability.
	chat.rules[0].reply = strings.Replace(chat.rules[0].reply,
		`"subtask 4 of the plan", "type": "research"`,
		`"subtask 4 of the plan", "type": "merge"`, 1)
	spawner := &fakeSpawner{}

	orch, collector := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "research and merge")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.PartialFailure)
	assert.Equal(t, 4, result.Stats.TotalTasks)
	assert.Equal(t, 4, result.Stats.Completed)
	assert.Equal(t, 0, result.Stats.Failed)
	assert.Len(t, result.CompletedIDs, 4)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		assert.Contains(t, result.Summary, id)
	}
	assert.NotEmpty(t, result.Output, "synthesized output must be non-empty")
	assert.Equal(t, 2, collector.count(events.WaveStart), "expected two waves")
	assert.Positive(t, orch.budget.GetStats().RemainingTokens)
}

// Scenario 3: a foundation task that exhausts retries but left its target
// file on disk is accepted degraded, so dependents are not cascade-skipped.
func TestDegradedAcceptanceRescuesFoundation(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerRetries = 0 // foundation bonus still grants a second attempt

	dir := t.TempDir()
	target := filepath.Join(dir, "base.go")
	require.NoError(t, os.WriteFile(target, []byte("package base\n"), 0o644))

	dec := `{"strategy": "hierarchical", "reasoning": "x", "subtasks": [
		{"description": "build the foundation", "type": "implement", "complexity": 3, "depends_on": [], "target_files": ["` + target + `"]},
		{"description": "dependent one of the foundation work", "type": "implement", "complexity": 2, "depends_on": [0]},
		{"description": "dependent two of the foundation work", "type": "implement", "complexity": 2, "depends_on": [0]},
		{"description": "dependent three of the foundation work", "type": "implement", "complexity": 2, "depends_on": [0]}
	]}`
	chat := newFakeChat().on("Break the following task", dec)

	spawner := &fakeSpawner{}
	spawner.outcome = func(req spawn.Request) (*spawn.Result, error) {
		if strings.Contains(req.Prompt, "build the foundation") {
			return &spawn.Result{Success: false, Output: "worker crashed mid-run"}, nil
		}
		return &spawn.Result{
			Success:   true,
			Output:    "implemented the dependent piece on top of the foundation, checks pass",
			ToolCalls: 2,
		}, nil
	}

	orch, collector := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "layered build")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Stats.Completed, "t0 degraded + three dependents")
	assert.Empty(t, result.SkippedIDs, "no cascade-skip may fire")

	t1 := orch.queue.Get("t1")
	require.NotNil(t, t1)
	assert.Equal(t, models.StatusCompleted, t1.Status)
	assert.True(t, t1.Degraded)
	assert.Equal(t, 2, t1.Result.QualityScore, "degraded quality is capped at 2")

	resilienceEvent := collector.find(events.TaskResilience)
	require.NotNil(t, resilienceEvent)
	payload := resilienceEvent.Payload.(events.TaskPayload)
	assert.Contains(t, payload.Reason, string(StrategyDegraded))
}

// Scenario 4: a complex task failing twice is micro-decomposed into three
// smaller subtasks spliced into the current wave.
func TestMicroDecomposition(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerRetries = 1

	dec := `{"strategy": "sequential", "reasoning": "x", "subtasks": [
		{"description": "the hard task nobody finishes", "type": "implement", "complexity": 8, "depends_on": []},
		{"description": "the downstream consumer task", "type": "implement", "complexity": 2, "depends_on": [0]}
	]}`
	micro := `{"should_split": true, "subtasks": [
		{"description": "piece one of the hard work", "type": "implement", "complexity": 3, "depends_on": []},
		{"description": "piece two of the hard work", "type": "implement", "complexity": 3, "depends_on": []},
		{"description": "piece three joining the halves", "type": "implement", "complexity": 4, "depends_on": [0, 1]}
	]}`
	chat := newFakeChat().
		on("Break the following task", dec).
		on("failed repeatedly", micro)

	spawner := &fakeSpawner{}
	spawner.outcome = func(req spawn.Request) (*spawn.Result, error) {
		if strings.Contains(req.Prompt, "hard task nobody finishes") {
			return &spawn.Result{Success: false, Output: "ran aground"}, nil
		}
		return &spawn.Result{
			Success:   true,
			Output:    "finished this piece of the decomposed work and verified the result builds",
			ToolCalls: 2,
		}, nil
	}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "do the hard thing")
	require.NoError(t, err)

	t1 := orch.queue.Get("t1")
	require.NotNil(t, t1)
	assert.Equal(t, models.StatusDecomposed, t1.Status)

	for _, id := range []string{"t1-micro-1", "t1-micro-2", "t1-micro-3"} {
		sub := orch.queue.Get(id)
		require.NotNil(t, sub, "micro subtask %s missing", id)
		assert.LessOrEqual(t, sub.Complexity, 4, "micro complexity must be <= ceil(8/2)")
		assert.Equal(t, models.StatusCompleted, sub.Status)
	}
	// The consumer is rewired onto the micro leaves and completes.
	assert.Equal(t, models.StatusCompleted, orch.queue.Get("t2").Status)
	assert.Contains(t, orch.queue.Get("t2").DependsOn, "t1-micro-3")
	assert.True(t, result.Success)
}

// Scenario 5: resuming after a crash resets the orphaned dispatched task.
func TestResumeResetsOrphans(t *testing.T) {
	cfg := testConfig()
	cfg.EnablePersistence = true
	cfg.StateDir = t.TempDir()
	cfg.ResumeSessionID = "sess-orphan"
	cfg.WorkerRetries = 2

	store := checkpoint.NewStore(cfg.StateDir)
	require.NoError(t, store.Save(&models.Checkpoint{
		SessionID: "sess-orphan",
		SavedAt:   time.Now().UTC(),
		Phase:     models.PhaseExecute,
		Prompt:    "resume me",
		Queue: models.QueueSnapshot{
			CurrentWave: 0,
			Tasks: []models.Subtask{
				{ID: "t1", Description: "first piece of work", Type: models.TypeImplement,
					Complexity: 2, Status: models.StatusCompleted, Attempts: 1,
					Result: &models.SubtaskResult{Success: true, Output: "done earlier in the previous process"}},
				{ID: "t2", Description: "second piece of work", Type: models.TypeImplement,
					Complexity: 2, Status: models.StatusDispatched, Attempts: 3, Wave: 0},
			},
			Waves: map[string][]string{"0": {"t1", "t2"}},
		},
		Stats: models.SwarmStats{TotalTasks: 2, Completed: 1},
	}))

	chat := newFakeChat()
	spawner := &fakeSpawner{}
	orch, collector := newTestOrchestrator(t, cfg, chat, spawner)

	result, err := orch.Run(context.Background(), "")
	require.NoError(t, err)

	resume := collector.find(events.StateResume)
	require.NotNil(t, resume, "resume event missing")
	assert.Equal(t, 1, resume.Payload.(events.CheckpointPayload).Orphans)

	t2 := orch.queue.Get("t2")
	assert.Equal(t, models.StatusCompleted, t2.Status, "orphan should re-run and complete")
	assert.True(t, result.Success)

	// Accounting invariant: restored tasks are all still accounted for.
	counts := orch.queue.CountByStatus()
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 2, total)
}

// Scenario 6: unparseable decomposition aborts after one retry.
func TestDecompositionFailureAborts(t *testing.T) {
	cfg := testConfig()
	chat := newFakeChat()
	chat.fallback = "I cannot produce JSON today"
	spawner := &fakeSpawner{}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "anything")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Summary, "Decomposition failed")
	assert.Equal(t, 0, spawner.count(), "nothing may be dispatched")
	// Exactly two decomposition attempts: the original and the raw-JSON retry.
	assert.Len(t, chat.calls, 2)
}

// max_concurrency = 1 must dispatch strictly sequentially in insertion
// order.
func TestSequentialDispatchOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1

	chat := newFakeChat().on("Break the following task",
		decompositionJSON(3, nil, "research"))
	spawner := &fakeSpawner{}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "three independent pieces")
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Equal(t, 3, spawner.count())
	for i, req := range spawner.spawns {
		assert.Contains(t, req.Prompt, "subtask "+string(rune('1'+i)),
			"dispatch %d out of insertion order", i)
	}
}

// Concurrency bound: active workers never exceed max_concurrency.
func TestConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2

	chat := newFakeChat().on("Break the following task",
		decompositionJSON(6, nil, "research"))

	var mu sync.Mutex
	active, peak := 0, 0
	spawner := &fakeSpawner{}
	spawner.outcome = func(req spawn.Request) (*spawn.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &spawn.Result{Success: true, ToolCalls: 1,
			Output: "finished one of the six independent research threads with findings"}, nil
	}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "six pieces")
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.LessOrEqual(t, peak, 2, "active workers exceeded max_concurrency")
}

// Rate-limit storm: three 429s trip the breaker, dispatch pauses, and the
// stagger widens by at least 1.5^3.
func TestRateLimitStormTripsBreaker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the 15s breaker cooldown")
	}
	cfg := testConfig()
	cfg.RateLimitRetries = 4

	chat := newFakeChat().on("Break the following task",
		decompositionJSON(3, nil, "research"))

	var mu sync.Mutex
	limited := 0
	spawner := &fakeSpawner{}
	spawner.outcome = func(req spawn.Request) (*spawn.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if limited < 3 {
			limited++
			return nil, errors.New("429 too many requests")
		}
		return &spawn.Result{Success: true, ToolCalls: 1,
			Output: "completed the research after the storm passed with solid findings"}, nil
	}

	orch, collector := newTestOrchestrator(t, cfg, chat, spawner)
	initial := orch.stagger.Current()

	result, err := orch.Run(context.Background(), "stormy")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, collector.count(events.CircuitOpen), 1, "circuit.open must fire")
	assert.GreaterOrEqual(t, collector.count(events.CircuitClosed), 1, "circuit.closed must fire")
	assert.True(t, result.Success, "rate-limited tasks must eventually retry and complete")

	// 1.5^3 growth, then one 0.9x decay per eventual success at most.
	grown := time.Duration(float64(initial) * 1.5 * 1.5 * 1.5 * 0.9 * 0.9 * 0.9)
	assert.GreaterOrEqual(t, orch.stagger.Current(), grown)
}

// Hollow streak termination for a single-model swarm.
func TestHollowStreakTerminatesSwarm(t *testing.T) {
	cfg := testConfig()
	cfg.EnableHollowTermination = true
	cfg.Workers = cfg.Workers[:1] // single model
	cfg.Workers[0].Capabilities = []string{"*"}
	cfg.WorkerRetries = 5
	cfg.MaxDispatchesPerTask = 10

	chat := newFakeChat().on("Break the following task",
		decompositionJSON(4, nil, "research"))
	spawner := &fakeSpawner{}
	spawner.outcome = func(req spawn.Request) (*spawn.Result, error) {
		return &spawn.Result{Success: true, Output: "ok", ToolCalls: 0}, nil // hollow
	}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "doomed")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Summary, "hollow")
	assert.Equal(t, streakLimit, result.Stats.Hollow,
		"swarm must terminate within the hollow streak threshold")
}

// Budget exhaustion keeps tasks ready instead of failing them.
func TestBudgetExhaustionIsNotFailure(t *testing.T) {
	cfg := testConfig()
	cfg.TotalBudget = 100 // far below one reservation
	cfg.OrchestratorReserveRatio = 0

	chat := newFakeChat().on("Break the following task",
		decompositionJSON(2, map[int][]int{1: {0}}, "research"))
	spawner := &fakeSpawner{}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "too poor")
	require.NoError(t, err)

	assert.Equal(t, 0, spawner.count(), "no budget, no dispatch")
	assert.Equal(t, 0, result.Stats.Failed, "budget exhaustion is never a task failure")
	t1 := orch.queue.Get("t1")
	assert.Equal(t, models.StatusReady, t1.Status, "task stays ready for released tokens")
}

// Completed dependencies invariant: every completed task's transitive
// dependencies are completed or decomposed.
func TestCompletionDependencyInvariant(t *testing.T) {
	cfg := testConfig()
	chat := newFakeChat().on("Break the following task",
		decompositionJSON(5, map[int][]int{1: {0}, 2: {0}, 3: {1, 2}, 4: {3}}, "implement"))
	spawner := &fakeSpawner{}

	orch, _ := newTestOrchestrator(t, cfg, chat, spawner)
	result, err := orch.Run(context.Background(), "chain")
	require.NoError(t, err)
	require.True(t, result.Success)

	for _, t1 := range orch.queue.All() {
		if t1.Status != models.StatusCompleted {
			continue
		}
		for _, dep := range t1.DependsOn {
			d := orch.queue.Get(dep)
			assert.Contains(t, []models.Status{models.StatusCompleted, models.StatusDecomposed}, d.Status,
				"completed %s has unfinished dependency %s", t1.ID, dep)
		}
	}
}
