package swarm

import (
	"testing"
	"time"

	"github.com/eren23/attoswarm/internal/health"
)

func testWorkers() []Worker {
	return []Worker{
		{Name: "w1", Model: "model-a", Capabilities: []string{"research", "analysis"}},
		{Name: "w2", Model: "model-b", Capabilities: []string{"research"}},
		{Name: "w3", Model: "model-c", Capabilities: []string{"merge"}},
	}
}

func TestSelectWorkerFiltersCapability(t *testing.T) {
	tracker := health.NewTracker()
	pool := NewWorkerPool(&fakeSpawner{}, testWorkers(), tracker, 4)

	w := pool.SelectWorker("merge")
	if w == nil || w.Name != "w3" {
		t.Fatalf("expected w3 for merge, got %+v", w)
	}
	if w := pool.SelectWorker("deploy"); w != nil {
		t.Errorf("no worker declares deploy, got %+v", w)
	}
}

func TestSelectWorkerPrefersHealthy(t *testing.T) {
	tracker := health.NewTracker()
	tracker.MarkUnhealthy("model-a")
	pool := NewWorkerPool(&fakeSpawner{}, testWorkers(), tracker, 4)

	for i := 0; i < 5; i++ {
		w := pool.SelectWorker("research")
		if w == nil || w.Model != "model-b" {
			t.Fatalf("unhealthy model-a should rank below model-b, got %+v", w)
		}
	}
}

func TestSelectWorkerRoundRobinsTopTier(t *testing.T) {
	tracker := health.NewTracker()
	pool := NewWorkerPool(&fakeSpawner{}, testWorkers(), tracker, 4)

	// Both research workers are indistinguishable: selection alternates.
	first := pool.SelectWorker("research")
	second := pool.SelectWorker("research")
	if first.Name == second.Name {
		t.Errorf("equal workers should round-robin, got %s twice", first.Name)
	}
}

func TestHollowRateBandBreaksTies(t *testing.T) {
	tracker := health.NewTracker()
	// model-a: high hollow rate; model-b: clean with slightly lower
	// success rate.
	for i := 0; i < 4; i++ {
		tracker.RecordSuccess("model-a", time.Second)
	}
	tracker.RecordHollow("model-a") // hollow rate 0.2, above the band

	for i := 0; i < 3; i++ {
		tracker.RecordSuccess("model-b", time.Second)
	}
	tracker.RecordFailure("model-b", health.FailureGeneric)

	pool := NewWorkerPool(&fakeSpawner{}, testWorkers(), tracker, 4)
	w := pool.SelectWorker("research")
	if w == nil || w.Model != "model-b" {
		t.Errorf("hollow rate beyond the band should outrank success rate, got %+v", w)
	}
}

func TestSelectWorkerExcluding(t *testing.T) {
	tracker := health.NewTracker()
	pool := NewWorkerPool(&fakeSpawner{}, testWorkers(), tracker, 4)

	w := pool.SelectWorkerExcluding("research", "model-a")
	if w == nil || w.Model != "model-b" {
		t.Fatalf("expected the alternative model, got %+v", w)
	}
	if w := pool.SelectWorkerExcluding("merge", "model-c"); w != nil {
		t.Errorf("no alternative exists for merge, got %+v", w)
	}
}
