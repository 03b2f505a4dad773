// Package logger renders swarm events for humans. The console observer
// subscribes to the event bus and prints timestamped, optionally colored
// lines; it never mutates orchestrator state.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/eren23/attoswarm/internal/events"
)

// ConsoleObserver logs events to a writer with [HH:MM:SS] prefixes and
// thread safety. Color is enabled automatically when the writer is a TTY.
type ConsoleObserver struct {
	writer  io.Writer
	mutex   sync.Mutex
	colored bool
	verbose bool
}

// NewConsoleObserver creates an observer writing to w. A nil writer
// silently discards output.
func NewConsoleObserver(w io.Writer, verbose bool) *ConsoleObserver {
	colored := false
	if f, ok := w.(*os.File); ok {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &ConsoleObserver{writer: w, colored: colored, verbose: verbose}
}

var (
	greenText  = color.New(color.FgGreen).SprintFunc()
	redText    = color.New(color.FgRed).SprintFunc()
	yellowText = color.New(color.FgYellow).SprintFunc()
	cyanText   = color.New(color.FgCyan).SprintFunc()
	dimText    = color.New(color.Faint).SprintFunc()
)

func (c *ConsoleObserver) paint(f func(...interface{}) string, s string) string {
	if !c.colored {
		return s
	}
	return f(s)
}

func (c *ConsoleObserver) printf(format string, args ...interface{}) {
	if c.writer == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fmt.Fprintf(c.writer, "[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// HandleEvent implements events.Observer.
func (c *ConsoleObserver) HandleEvent(e events.Event) {
	switch e.Type {
	case events.WaveStart:
		p, _ := e.Payload.(events.WavePayload)
		c.printf("%s wave %d (%d tasks)", c.paint(cyanText, "▶"), p.Wave, p.TaskCount)
	case events.WaveComplete:
		p, _ := e.Payload.(events.WavePayload)
		c.printf("%s wave %d: %d completed, %d failed, %d skipped (%s)",
			c.paint(cyanText, "■"), p.Wave, p.Completed, p.Failed, p.Skipped, p.Duration.Round(time.Second))
	case events.WaveAllFailed:
		p, _ := e.Payload.(events.WavePayload)
		c.printf("%s wave %d: every task failed", c.paint(redText, "✗"), p.Wave)
	case events.TaskDispatched:
		p, _ := e.Payload.(events.TaskPayload)
		c.printf("  → %s (%s, attempt %d, %s)", p.SubtaskID, p.Type, p.Attempt, p.Model)
	case events.TaskCompleted:
		p, _ := e.Payload.(events.TaskPayload)
		suffix := ""
		if p.Score > 0 {
			suffix = fmt.Sprintf(" score %d/5", p.Score)
		}
		c.printf("  %s %s%s (%s, %d tokens)", c.paint(greenText, "✓"), p.SubtaskID, suffix,
			p.Duration.Round(time.Second), p.Tokens)
	case events.TaskFailed:
		p, _ := e.Payload.(events.TaskPayload)
		c.printf("  %s %s: %s", c.paint(redText, "✗"), p.SubtaskID, p.Reason)
	case events.TaskSkipped:
		p, _ := e.Payload.(events.TaskPayload)
		c.printf("  %s %s skipped: %s", c.paint(yellowText, "∅"), p.SubtaskID, p.Reason)
	case events.TaskResilience:
		p, _ := e.Payload.(events.TaskPayload)
		c.printf("  %s %s: %s", c.paint(yellowText, "♻"), p.SubtaskID, p.Reason)
	case events.QualityRejected:
		p, _ := e.Payload.(events.ModelPayload)
		c.printf("  %s quality rejection (%s): %s", c.paint(yellowText, "▽"), p.Model, p.Reason)
	case events.ModelFailover:
		p, _ := e.Payload.(events.ModelPayload)
		c.printf("%s failover %s → %s", c.paint(yellowText, "⇄"), p.FromModel, p.Model)
	case events.ModelHealth:
		if !c.verbose {
			return
		}
		p, _ := e.Payload.(events.ModelPayload)
		c.printf("%s %s healthy=%v success=%.2f hollow=%.2f",
			c.paint(dimText, "health"), p.Model, p.Healthy, p.SuccessRate, p.HollowRate)
	case events.CircuitOpen:
		p, _ := e.Payload.(events.CircuitPayload)
		c.printf("%s circuit open after %d rate limits, pausing %s",
			c.paint(redText, "⏸"), p.RateLimits, p.Cooldown)
	case events.CircuitClosed:
		c.printf("%s circuit closed, resuming dispatch", c.paint(greenText, "⏵"))
	case events.BudgetUpdate:
		if !c.verbose {
			return
		}
		p, _ := e.Payload.(events.BudgetPayload)
		c.printf("%s %d tokens used, %d remaining ($%.2f)",
			c.paint(dimText, "budget"), p.UsedTokens, p.RemainingTokens, p.UsedCost)
	case events.OrchestratorDecision:
		p, _ := e.Payload.(events.DecisionPayload)
		c.printf("%s %s", c.paint(dimText, "decision:"), p.Decision)
	case events.Stall:
		p, _ := e.Payload.(events.DecisionPayload)
		c.printf("%s stall detected: %s", c.paint(yellowText, "⚠"), p.Detail)
	case events.Replan:
		p, _ := e.Payload.(events.DecisionPayload)
		c.printf("%s re-planning: %s", c.paint(yellowText, "⟳"), p.Detail)
	case events.PlanComplete:
		c.printf("plan ready")
	case events.ReviewStart:
		c.printf("%s wave review", c.paint(dimText, "…"))
	case events.ReviewComplete:
		p, _ := e.Payload.(events.DecisionPayload)
		c.printf("review complete: %s", p.Detail)
	case events.VerifyStart:
		c.printf("%s integration verification", c.paint(cyanText, "▶"))
	case events.VerifyStep:
		p, _ := e.Payload.(events.VerifyPayload)
		mark := c.paint(greenText, "✓")
		if !p.Passed {
			mark = c.paint(redText, "✗")
		}
		c.printf("  %s step %d: %s", mark, p.Step, p.Description)
	case events.VerifyComplete:
		c.printf("verification complete")
	case events.StateCheckpoint:
		p, _ := e.Payload.(events.CheckpointPayload)
		c.printf("%s checkpoint saved (%s)", c.paint(dimText, "💾"), p.Phase)
	case events.StateResume:
		p, _ := e.Payload.(events.CheckpointPayload)
		c.printf("%s resumed session %s: reset %d orphaned dispatched task(s)",
			c.paint(cyanText, "⟲"), p.SessionID, p.Orphans)
	case events.Complete:
		c.printf("%s swarm complete", c.paint(greenText, "★"))
	case events.Error:
		p, _ := e.Payload.(events.ErrorPayload)
		c.printf("%s %s: %s", c.paint(redText, "error"), p.Scope, p.Err)
	}
}
