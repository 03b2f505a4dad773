package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/eren23/attoswarm/internal/events"
)

func TestConsoleObserverRendersEvents(t *testing.T) {
	var buf bytes.Buffer
	obs := NewConsoleObserver(&buf, true)

	obs.HandleEvent(events.Event{Type: events.WaveStart, Payload: events.WavePayload{Wave: 0, TaskCount: 3}})
	obs.HandleEvent(events.Event{Type: events.TaskDispatched, Payload: events.TaskPayload{
		SubtaskID: "t1", Type: "research", Attempt: 1, Model: "model-a"}})
	obs.HandleEvent(events.Event{Type: events.TaskCompleted, Payload: events.TaskPayload{
		SubtaskID: "t1", Score: 4, Duration: 3 * time.Second, Tokens: 500}})
	obs.HandleEvent(events.Event{Type: events.CircuitOpen, Payload: events.CircuitPayload{
		RateLimits: 3, Cooldown: 15 * time.Second}})
	obs.HandleEvent(events.Event{Type: events.StateResume, Payload: events.CheckpointPayload{
		SessionID: "s1", Orphans: 1}})

	out := buf.String()
	for _, want := range []string{"wave 0", "t1", "score 4/5", "circuit open", "reset 1 orphaned dispatched task"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("non-TTY writer must not receive color codes")
	}
}

func TestConsoleObserverNilWriter(t *testing.T) {
	obs := NewConsoleObserver(nil, false)
	obs.HandleEvent(events.Event{Type: events.Complete}) // must not panic
}

func TestVerboseGating(t *testing.T) {
	var buf bytes.Buffer
	obs := NewConsoleObserver(&buf, false)
	obs.HandleEvent(events.Event{Type: events.BudgetUpdate, Payload: events.BudgetPayload{UsedTokens: 10}})
	obs.HandleEvent(events.Event{Type: events.ModelHealth, Payload: events.ModelPayload{Model: "m"}})
	if buf.Len() != 0 {
		t.Errorf("budget/health lines should be verbose-only, got %q", buf.String())
	}
}
