package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

func sample(session string) *models.Checkpoint {
	return &models.Checkpoint{
		SessionID: session,
		SavedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Phase:     models.PhaseExecute,
		Prompt:    "build the thing",
		Queue: models.QueueSnapshot{
			CurrentWave: 1,
			Tasks: []models.Subtask{
				{ID: "a", Description: "do a", Type: models.TypeImplement, Complexity: 3, Status: models.StatusCompleted},
				{ID: "b", Description: "do b", Type: models.TypeTest, Complexity: 2, Status: models.StatusDispatched, DependsOn: []string{"a"}, Wave: 1},
			},
			Waves: map[string][]string{"0": {"a"}, "1": {"b"}},
		},
		Stats: models.SwarmStats{TotalTasks: 2, Completed: 1},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	cp := sample("sess-1")
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := store.LoadLatest("sess-1")
	if loaded == nil {
		t.Fatal("LoadLatest returned nil")
	}
	if loaded.Queue.CurrentWave != 1 || len(loaded.Queue.Tasks) != 2 {
		t.Errorf("queue state lost: %+v", loaded.Queue)
	}
	if loaded.Stats.Completed != 1 {
		t.Errorf("stats lost: %+v", loaded.Stats)
	}
}

func TestSaveLoadSaveIsByteEqual(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	cp := sample("sess-2")
	if err := store.Save(cp); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	loaded := store.LoadLatest("sess-2")
	if loaded == nil {
		t.Fatal("LoadLatest returned nil")
	}
	if err := store.Save(loaded); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	sessionDir := filepath.Join(dir, "sess-2")
	first, err := os.ReadFile(filepath.Join(sessionDir, "checkpoint-000001.json"))
	if err != nil {
		t.Fatalf("read v1: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(sessionDir, "checkpoint-000002.json"))
	if err != nil {
		t.Fatalf("read v2: %v", err)
	}
	if string(first) != string(second) {
		t.Error("save->load->save is not byte-equal")
	}
}

func TestVersionsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	for i := 0; i < 3; i++ {
		if err := store.Save(sample("sess-3")); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "sess-3"))
	jsonFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			jsonFiles++
		}
	}
	if jsonFiles != 3 {
		t.Errorf("expected 3 versioned files, got %d", jsonFiles)
	}
}

func TestCorruptLoadReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	sessionDir := filepath.Join(dir, "sess-4")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "checkpoint-000001.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := store.LoadLatest("sess-4"); got != nil {
		t.Errorf("corrupt checkpoint should load as nil, got %+v", got)
	}
}

func TestCorruptLatestFallsBack(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.Save(sample("sess-5")); err != nil {
		t.Fatal(err)
	}
	sessionDir := filepath.Join(dir, "sess-5")
	if err := os.WriteFile(filepath.Join(sessionDir, "checkpoint-000002.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := store.LoadLatest("sess-5"); got == nil {
		t.Error("expected fallback to the previous good version")
	}
}

func TestMissingSessionLoadsNil(t *testing.T) {
	store := NewStore(t.TempDir())
	if got := store.LoadLatest("nope"); got != nil {
		t.Errorf("missing session should load as nil, got %+v", got)
	}
}

func TestLockExcludes(t *testing.T) {
	dir := t.TempDir()
	a := NewStore(dir)
	b := NewStore(dir)

	if err := a.Lock("sess-6"); err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	defer a.Unlock("sess-6")

	if err := b.Lock("sess-6"); err == nil {
		b.Unlock("sess-6")
		t.Error("second lock should have been refused")
	}
}
