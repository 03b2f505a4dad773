// Package sharedstate holds the cross-worker failure memory and the
// per-model economics aggregation. Both ride checkpoints and feed retry
// prompts and stall analysis.
package sharedstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eren23/attoswarm/internal/models"
)

// maxFailureNotes bounds the memory so prompts stay small.
const maxFailureNotes = 50

// Context is the shared cross-worker state. Mutated only from the
// orchestrator's decision loop; the mutex covers snapshot reads.
type Context struct {
	mu        sync.Mutex
	failures  []models.FailureNote
	economics map[string]*models.ModelEconomics
}

// New creates empty shared state.
func New() *Context {
	return &Context{economics: make(map[string]*models.ModelEconomics)}
}

// RecordFailure remembers a failure so later retry prompts can warn
// workers off repeated mistakes. Oldest notes are dropped past the cap.
func (c *Context) RecordFailure(subtaskID, model string, mode models.FailureMode, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = append(c.failures, models.FailureNote{
		SubtaskID: subtaskID,
		Model:     model,
		Mode:      mode,
		Detail:    detail,
	})
	if len(c.failures) > maxFailureNotes {
		c.failures = c.failures[len(c.failures)-maxFailureNotes:]
	}
}

// RecordDispatch aggregates spend for a model.
func (c *Context) RecordDispatch(model string, tokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.economics[model]
	if !ok {
		e = &models.ModelEconomics{Model: model}
		c.economics[model] = e
	}
	e.Dispatches++
	e.TokensUsed += tokens
	e.CostUSD += cost
}

// FailureSummary renders the recent failure memory for retry prompts.
// Returns "" when nothing has failed.
func (c *Context) FailureSummary(limit int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.failures) == 0 {
		return ""
	}
	start := 0
	if limit > 0 && len(c.failures) > limit {
		start = len(c.failures) - limit
	}
	var b strings.Builder
	b.WriteString("Known failures in this swarm:\n")
	for _, f := range c.failures[start:] {
		fmt.Fprintf(&b, "- %s (%s, %s)", f.SubtaskID, f.Model, f.Mode)
		if f.Detail != "" {
			fmt.Fprintf(&b, ": %s", f.Detail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FailureSnapshot returns a copy of the failure notes.
func (c *Context) FailureSnapshot() []models.FailureNote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.FailureNote(nil), c.failures...)
}

// EconomicsSnapshot returns per-model aggregates sorted by model name.
func (c *Context) EconomicsSnapshot() []models.ModelEconomics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ModelEconomics, 0, len(c.economics))
	for _, e := range c.economics {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Restore loads both snapshots from a checkpoint.
func (c *Context) Restore(failures []models.FailureNote, economics []models.ModelEconomics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = append([]models.FailureNote(nil), failures...)
	c.economics = make(map[string]*models.ModelEconomics, len(economics))
	for i := range economics {
		e := economics[i]
		c.economics[e.Model] = &e
	}
}
