// Package spawn defines the worker spawner contract: the low-level runner
// that executes one worker against one subtask prompt. The orchestrator
// only observes the result shape; sandboxing and permissions belong to the
// spawner.
package spawn

import (
	"context"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

// Result is what a spawner reports back for one run.
type Result struct {
	Success       bool
	Output        string
	TokensUsed    int64
	CostUSD       float64
	Duration      time.Duration
	ToolCalls     int // models.ToolCallsTimedOut encodes a timeout
	FilesModified []string
	Closure       *models.ClosureReport
}

// Request is everything a spawner needs for one run. RetryContext rides
// along opaquely; spawners fold it into the prompt however they see fit.
type Request struct {
	WorkerName string
	Model      string
	Prompt     string
	Timeout    time.Duration
	Retry      *models.RetryContext
}

// Spawner runs a worker to completion. Implementations must honor ctx
// cancellation and map their own timeout to the ToolCalls sentinel rather
// than returning an error: a timed-out worker may still have produced
// artifacts.
type Spawner interface {
	Spawn(ctx context.Context, req Request) (*Result, error)
}
