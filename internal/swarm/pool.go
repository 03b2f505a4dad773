package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/eren23/attoswarm/internal/budget"
	"github.com/eren23/attoswarm/internal/health"
	"github.com/eren23/attoswarm/internal/models"
	"github.com/eren23/attoswarm/internal/spawn"
)

// Completion is delivered through the pool's wait channel when a worker
// finishes. Worker results reach the decision loop only this way; nothing
// mutates shared state from worker goroutines.
type Completion struct {
	TaskID      string
	Worker      Worker
	Result      *spawn.Result
	Err         error
	StartedAt   time.Time
	Duration    time.Duration
	Reservation *budget.Reservation
}

// WorkerPool dispatches subtasks to workers with bounded concurrency.
// Dispatch is non-blocking; WaitForAny is the single suspension point the
// orchestrator parks on.
type WorkerPool struct {
	spawner spawn.Spawner
	workers []Worker
	tracker *health.Tracker
	maxConc int

	completions chan *Completion

	mu      sync.Mutex
	active  map[string]context.CancelFunc // task id -> cancel
	wg      sync.WaitGroup
	rrIndex int
}

// NewWorkerPool builds a pool over the configured workers.
func NewWorkerPool(spawner spawn.Spawner, workers []Worker, tracker *health.Tracker, maxConcurrency int) *WorkerPool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &WorkerPool{
		spawner:     spawner,
		workers:     workers,
		tracker:     tracker,
		maxConc:     maxConcurrency,
		completions: make(chan *Completion, maxConcurrency*2),
		active:      make(map[string]context.CancelFunc),
	}
}

// Workers returns the configured worker set.
func (p *WorkerPool) Workers() []Worker { return p.workers }

// DistinctModels returns the unique model names across all workers.
func (p *WorkerPool) DistinctModels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range p.workers {
		if !seen[w.Model] {
			seen[w.Model] = true
			out = append(out, w.Model)
		}
	}
	return out
}

// SelectWorker picks the best worker for a capability, or nil when no
// configured worker declares it. Ties in the top tier rotate round-robin
// so equal workers share load deterministically.
func (p *WorkerPool) SelectWorker(capability string) *Worker {
	var candidates []Worker
	for _, w := range p.workers {
		if w.hasCapability(capability) {
			candidates = append(candidates, w)
		}
	}
	ranked, tier := rankWorkers(candidates, p.tracker)
	if len(ranked) == 0 {
		return nil
	}

	p.mu.Lock()
	idx := p.rrIndex % tier
	p.rrIndex++
	p.mu.Unlock()

	w := ranked[idx]
	return &w
}

// SelectWorkerExcluding picks the best worker whose model differs from
// exclude, used for failover. Returns nil when no alternative exists.
func (p *WorkerPool) SelectWorkerExcluding(capability, excludeModel string) *Worker {
	var candidates []Worker
	for _, w := range p.workers {
		if w.Model != excludeModel && w.hasCapability(capability) {
			candidates = append(candidates, w)
		}
	}
	ranked, _ := rankWorkers(candidates, p.tracker)
	if len(ranked) == 0 {
		return nil
	}
	w := ranked[0]
	return &w
}

// AvailableSlots returns how many more dispatches the pool accepts.
func (p *WorkerPool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConc - len(p.active)
}

// ActiveCount returns the number of in-flight workers.
func (p *WorkerPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Dispatch launches a worker for the request. The caller must have
// checked AvailableSlots; dispatching with no free slot panics, since the
// orchestrator's loop is the only dispatcher and a violation is a bug.
func (p *WorkerPool) Dispatch(ctx context.Context, taskID string, w Worker, req spawn.Request, res *budget.Reservation) {
	p.mu.Lock()
	if len(p.active) >= p.maxConc {
		p.mu.Unlock()
		panic("pool: dispatch with no available slot")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.active[taskID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		result, err := p.spawner.Spawn(runCtx, req)
		p.completions <- &Completion{
			TaskID:      taskID,
			Worker:      w,
			Result:      result,
			Err:         err,
			StartedAt:   start,
			Duration:    time.Since(start),
			Reservation: res,
		}
	}()
}

// WaitForAny blocks until one worker completes or ctx is done. The
// returned completion's slot is already freed. Returns nil on ctx
// cancellation or when nothing is in flight.
func (p *WorkerPool) WaitForAny(ctx context.Context) *Completion {
	if p.ActiveCount() == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case c := <-p.completions:
		p.mu.Lock()
		if cancel, ok := p.active[c.TaskID]; ok {
			cancel()
			delete(p.active, c.TaskID)
		}
		p.mu.Unlock()
		return c
	}
}

// CancelAll asks every in-flight worker to stop and waits for them. The
// completion channel is drained so worker goroutines are not abandoned
// blocked on send.
func (p *WorkerPool) CancelAll() {
	p.mu.Lock()
	for _, cancel := range p.active {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	for {
		select {
		case c := <-p.completions:
			p.mu.Lock()
			if cancel, ok := p.active[c.TaskID]; ok {
				cancel()
				delete(p.active, c.TaskID)
			}
			p.mu.Unlock()
		case <-done:
			return
		}
	}
}

// ToTaskResult converts a spawn result into the subtask result shape.
func ToTaskResult(c *Completion) *models.SubtaskResult {
	r := &models.SubtaskResult{
		Duration: c.Duration,
		Model:    c.Worker.Model,
	}
	if c.Result != nil {
		r.Success = c.Result.Success
		r.Output = c.Result.Output
		r.FilesModified = c.Result.FilesModified
		r.TokensUsed = c.Result.TokensUsed
		r.CostUSD = c.Result.CostUSD
		r.ToolCalls = c.Result.ToolCalls
		r.Closure = c.Result.Closure
	}
	return r
}
