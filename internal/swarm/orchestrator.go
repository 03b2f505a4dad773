package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eren23/attoswarm/internal/blackboard"
	"github.com/eren23/attoswarm/internal/budget"
	"github.com/eren23/attoswarm/internal/checkpoint"
	"github.com/eren23/attoswarm/internal/config"
	"github.com/eren23/attoswarm/internal/events"
	"github.com/eren23/attoswarm/internal/health"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
	"github.com/eren23/attoswarm/internal/queue"
	"github.com/eren23/attoswarm/internal/sharedstate"
	"github.com/eren23/attoswarm/internal/spawn"
)

// resumeStuckRatio: when more than this fraction of attempted tasks are
// still stuck after a restore, a re-plan is forced immediately.
const resumeStuckRatio = 0.4

// Deps are the external collaborators injected into the orchestrator.
// Client and Spawner are required; the rest are optional.
type Deps struct {
	Client  llm.Client
	Spawner spawn.Spawner

	// ToolClient enables the model capability probe; nil disables it.
	ToolClient llm.ToolClient

	// Board receives completed findings; nil disables publication.
	Board blackboard.Board

	// Runner executes integration verification commands; nil gets a
	// ShellRunner with a 5-minute timeout.
	Runner CommandRunner

	// Bus receives events; nil gets a private bus.
	Bus *events.Bus
}

// Orchestrator drives the full lifecycle: decompose, schedule, probe,
// plan, execute waves, rescue, verify, synthesize. It exclusively owns the
// queue, pool, budget, health tracker, checkpoint store, and shared state;
// its decision loop is single-threaded and workers report back through the
// pool's completion channel only.
type Orchestrator struct {
	cfg *config.Config

	client     llm.Client
	toolClient llm.ToolClient
	board      blackboard.Board

	queue      *queue.Queue
	pool       *WorkerPool
	budget     *budget.Pool
	tracker    *health.Tracker
	gate       *QualityGate
	decomposer *Decomposer
	planner    *Planner
	reviewer   *Reviewer
	verifier   *Verifier
	replanner  *Replanner
	resilience *Resilience
	synth      *Synthesizer
	store      *checkpoint.Store
	shared     *sharedstate.Context
	bus        *events.Bus
	stagger    *Stagger
	breaker    *RateLimitBreaker
	hollow     *hollowTracker

	sessionID string
	prompt    string
	phase     models.Phase
	startedAt time.Time

	plan        *models.Plan
	planCh      chan *models.Plan
	planPending bool

	stats     models.SwarmStats
	decisions []models.DecisionEntry
	errLog    []string

	// reserveTokens is withheld from worker dispatch for the
	// orchestrator's own judge/review/plan calls, and returned to the
	// workers once the last wave is reached.
	reserveTokens int64

	replanned   bool
	forceReplan bool
	cancelled   atomic.Bool

	reviewedWaves  map[int]bool
	recoveredWaves map[int]bool
	hollowStop     bool
}

// New wires an orchestrator from configuration and dependencies.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if deps.Spawner == nil {
		return nil, fmt.Errorf("worker spawner is required")
	}

	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	var deadline time.Time
	if cfg.MaxDuration > 0 {
		deadline = time.Now().Add(cfg.MaxDuration)
	}

	tracker := health.NewTracker()
	workers := make([]Worker, 0, len(cfg.Workers))
	for _, spec := range cfg.Workers {
		workers = append(workers, workerFromSpec(spec))
	}

	o := &Orchestrator{
		cfg:            cfg,
		client:         deps.Client,
		toolClient:     deps.ToolClient,
		board:          deps.Board,
		queue:          queue.New(),
		pool:           NewWorkerPool(deps.Spawner, workers, tracker, cfg.MaxConcurrency),
		budget:         budget.NewPool(cfg.TotalBudget, cfg.MaxCost, deadline),
		tracker:        tracker,
		gate:           NewQualityGate(cfg, deps.Client),
		decomposer:     NewDecomposer(cfg, deps.Client),
		planner:        NewPlanner(cfg, deps.Client),
		reviewer:       NewReviewer(cfg, deps.Client),
		replanner:      NewReplanner(cfg, deps.Client),
		resilience:     NewResilience(cfg, deps.Client),
		synth:          NewSynthesizer(),
		shared:         sharedstate.New(),
		bus:            bus,
		stagger:        NewStagger(cfg.DispatchStagger),
		breaker:        NewRateLimitBreaker(),
		hollow:         newHollowTracker(cfg),
		planCh:         make(chan *models.Plan, 1),
		reviewedWaves:  make(map[int]bool),
		recoveredWaves: make(map[int]bool),
	}
	if cfg.EnablePersistence {
		o.store = checkpoint.NewStore(cfg.StateDir)
	}
	runner := deps.Runner
	if runner == nil {
		runner = &ShellRunner{Timeout: 5 * time.Minute}
	}
	o.verifier = NewVerifier(runner)

	o.breaker.OnOpen = func(cooldown time.Duration) {
		bus.Emit(events.CircuitOpen, events.CircuitPayload{RateLimits: breakerTripCount, Cooldown: cooldown})
	}
	o.breaker.OnClose = func() {
		bus.Emit(events.CircuitClosed, nil)
	}
	return o, nil
}

// Bus returns the event bus for observer registration.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Cancel requests a graceful stop. Checked at every loop boundary;
// in-flight workers are cancelled and awaited, never abandoned.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

func (o *Orchestrator) stopping(ctx context.Context) bool {
	return o.cancelled.Load() || ctx.Err() != nil
}

func (o *Orchestrator) decide(format string, args ...any) {
	d := fmt.Sprintf(format, args...)
	o.decisions = append(o.decisions, models.DecisionEntry{At: time.Now(), Decision: d})
	o.bus.Emit(events.OrchestratorDecision, events.DecisionPayload{Decision: d})
}

func (o *Orchestrator) recordError(scope string, err error) {
	o.errLog = append(o.errLog, fmt.Sprintf("%s: %v", scope, err))
	o.bus.Emit(events.Error, events.ErrorPayload{Scope: scope, Err: err.Error()})
}

// Run executes the swarm for a prompt. The returned SwarmResult is always
// non-nil; the error is reserved for setup-level failures.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*models.SwarmResult, error) {
	o.prompt = prompt
	o.startedAt = time.Now()

	resumed, result := o.prepare(ctx)
	if result != nil {
		return result, nil
	}

	if !resumed {
		if res := o.decomposeAndSchedule(ctx); res != nil {
			return res, nil
		}
	}

	if res := o.probePhase(ctx); res != nil {
		return res, nil
	}

	o.startPlanning(ctx)
	o.executeWaves(ctx)
	o.finalRescue(ctx)
	o.verifyPhase(ctx)

	return o.finish(ctx), nil
}

// prepare establishes the session and attempts a resume. Returns
// (resumed, earlyResult); a non-nil result aborts the run.
func (o *Orchestrator) prepare(ctx context.Context) (bool, *models.SwarmResult) {
	if o.cfg.ResumeSessionID != "" {
		o.sessionID = o.cfg.ResumeSessionID
	} else {
		o.sessionID = uuid.NewString()
	}

	if o.store != nil {
		if err := o.store.Lock(o.sessionID); err != nil {
			return false, o.failResult(fmt.Sprintf("session locked: %v", err))
		}
	}

	if o.cfg.ResumeSessionID == "" || o.store == nil {
		return false, nil
	}
	cp := o.store.LoadLatest(o.sessionID)
	if cp == nil {
		o.decide("no checkpoint for session %s, starting fresh", o.sessionID)
		return false, nil
	}

	o.restore(cp)

	orphans := o.queue.ResetOrphanedDispatched(o.retryLimit())
	rescued := o.queue.ResumeRescue(o.retryLimit())
	o.decide("Reset %d orphaned dispatched task(s), rescued %d task(s)", orphans, rescued)
	o.bus.Emit(events.StateResume, events.CheckpointPayload{
		SessionID: o.sessionID,
		Phase:     string(cp.Phase),
		Orphans:   orphans,
	})

	// A restore that leaves most attempted work stuck means the old plan
	// was not working; force an immediate re-plan.
	attempted, stuck := 0, 0
	for _, t := range o.queue.All() {
		if !t.Attempted() {
			continue
		}
		attempted++
		if t.Status == models.StatusFailed || t.Status == models.StatusSkipped {
			stuck++
		}
	}
	if attempted > 0 && float64(stuck)/float64(attempted) > resumeStuckRatio {
		o.forceReplan = true
		o.decide("%d/%d attempted tasks stuck after resume, forcing re-plan", stuck, attempted)
	}
	return true, nil
}

func (o *Orchestrator) restore(cp *models.Checkpoint) {
	o.prompt = cp.Prompt
	o.phase = cp.Phase
	o.plan = cp.Plan
	o.stats = cp.Stats
	o.decisions = cp.Decisions
	o.errLog = cp.Errors
	o.queue.Restore(cp.Queue)
	o.tracker.Restore(cp.Health)
	o.shared.Restore(cp.Failures, cp.Economics)
}

// decomposeAndSchedule runs phases 2 and 3: DAG construction and queue
// loading with the dynamic orchestrator reserve.
func (o *Orchestrator) decomposeAndSchedule(ctx context.Context) *models.SwarmResult {
	o.phase = models.PhaseDecompose

	var usage llm.Usage
	dec, err := o.decomposer.Decompose(ctx, o.prompt, &usage)
	o.accountLLM("decompose", usage)
	if err != nil {
		o.recordError("decompose", err)
		return o.failResult(fmt.Sprintf("Decomposition failed: %v", err))
	}
	if dec.FlatDAG {
		o.decide("flat DAG: %d subtasks with no dependencies", len(dec.Subtasks))
	}

	o.phase = models.PhaseSchedule
	if err := o.queue.LoadFromDecomposition(dec); err != nil {
		o.recordError("schedule", err)
		return o.failResult(fmt.Sprintf("Decomposition failed: %v", err))
	}
	o.stats.TotalTasks = o.queue.Len()

	// Scale the orchestrator's own reserve with swarm size: every subtask
	// costs judge and review calls.
	reserve := o.cfg.OrchestratorReserveRatio
	if scaled := float64(o.queue.Len()) * 0.05; scaled > reserve {
		reserve = scaled
	}
	if reserve > 0.40 {
		reserve = 0.40
	}
	o.reserveTokens = int64(float64(o.cfg.TotalBudget) * reserve)
	o.decide("scheduled %d subtasks in %d waves, orchestrator reserve %.0f%% (%d tokens withheld)",
		o.queue.Len(), o.queue.MaxWave()+1, reserve*100, o.reserveTokens)

	foundations := 0
	for _, t := range o.queue.All() {
		if t.Foundation {
			foundations++
		}
	}
	if foundations > 0 {
		o.decide("%d foundation task(s) get +1 retry and a relaxed quality threshold", foundations)
	}

	o.checkpointNow(models.PhaseSchedule)
	return nil
}

// probePhase verifies tool-calling capability per distinct model.
func (o *Orchestrator) probePhase(ctx context.Context) *models.SwarmResult {
	if o.cfg.DisableProbe || o.toolClient == nil {
		return nil
	}
	o.phase = models.PhaseProbe

	report := ProbeModels(ctx, o.cfg, o.toolClient, o.pool.DistinctModels())
	for _, m := range report.Failed {
		o.tracker.MarkUnhealthy(m)
		o.bus.Emit(events.ModelHealth, events.ModelPayload{Model: m, Healthy: false, Reason: "probe: no tool call"})
	}
	for _, m := range report.Passed {
		o.bus.Emit(events.ModelHealth, events.ModelPayload{Model: m, Healthy: true, SuccessRate: 1})
	}

	if report.AllFailed() {
		switch o.cfg.ProbeFailureStrategy {
		case config.ProbeAbort:
			o.decide("all models failed the tool probe, aborting")
			for _, t := range o.queue.All() {
				if t.Status == models.StatusReady || t.Status == models.StatusPending {
					o.queue.MarkSkipped(t.ID)
				}
			}
			return o.failResult("all models failed the capability probe")
		default: // warn-and-try
			o.decide("all models failed the tool probe, resetting health and proceeding")
			o.tracker.ResetAll()
		}
	}
	return nil
}

// startPlanning launches the acceptance-criteria plan concurrently with
// execution; the result is folded in at the next loop boundary.
func (o *Orchestrator) startPlanning(ctx context.Context) {
	if !o.cfg.EnablePlanning || o.plan != nil {
		return
	}
	o.planPending = true
	// Snapshot the subtasks before launching: the decision loop mutates
	// the queue while planning runs.
	snapshot := &models.Decomposition{Subtasks: o.subtaskValues()}
	go func() {
		var usage llm.Usage
		plan, err := o.planner.Plan(ctx, o.prompt, snapshot, &usage)
		if err != nil {
			o.planCh <- nil
			return
		}
		o.planCh <- plan
	}()
}

func (o *Orchestrator) subtaskValues() []models.Subtask {
	all := o.queue.All()
	out := make([]models.Subtask, 0, len(all))
	for _, t := range all {
		out = append(out, *t)
	}
	return out
}

// adoptPlan folds a finished planning call into orchestrator state.
// Non-blocking at loop boundaries; the verify phase blocks briefly so a
// late plan is not lost.
func (o *Orchestrator) adoptPlan(block bool) {
	if !o.planPending {
		return
	}
	if block {
		select {
		case p := <-o.planCh:
			o.planPending = false
			o.setPlan(p)
		case <-time.After(30 * time.Second):
		}
		return
	}
	select {
	case p := <-o.planCh:
		o.planPending = false
		o.setPlan(p)
	default:
	}
}

func (o *Orchestrator) setPlan(p *models.Plan) {
	if p == nil {
		// Planning errors are non-fatal; execution continues bare.
		o.decide("planning failed, continuing without acceptance criteria")
		return
	}
	o.plan = p
	o.bus.Emit(events.PlanComplete, nil)
	o.decide("plan ready: %d criteria set(s), %d integration step(s)", len(p.Criteria), len(p.Integration))
}

// accountLLM folds orchestrator-side LLM usage into stats and the pool.
func (o *Orchestrator) accountLLM(purpose string, usage llm.Usage) {
	if usage.TotalTokens == 0 {
		return
	}
	o.stats.TokensUsed += usage.TotalTokens
	o.stats.CostUSD += usage.CostUSD
	if res, err := o.budget.Reserve(usage.TotalTokens, usage.CostUSD); err == nil {
		o.budget.Release(res, usage.TotalTokens, usage.CostUSD)
	}
	o.bus.Emit(events.OrchestratorLLM, events.LLMPayload{
		Purpose: purpose,
		Model:   o.cfg.OrchestratorModel,
		Tokens:  usage.TotalTokens,
		CostUSD: usage.CostUSD,
	})
}

// retryLimit is the per-task dispatch ceiling for generic failures.
func (o *Orchestrator) retryLimit() int {
	return o.cfg.WorkerRetries + 1 // retries on top of the first attempt
}

// checkpointNow snapshots everything between waves. Write errors are
// logged and never block progress.
func (o *Orchestrator) checkpointNow(phase models.Phase) {
	if o.store == nil {
		return
	}
	cp := &models.Checkpoint{
		SessionID: o.sessionID,
		SavedAt:   time.Now().UTC(),
		Phase:     phase,
		Prompt:    o.prompt,
		Plan:      o.plan,
		Queue:     o.queue.Snapshot(),
		Stats:     o.stats,
		Health:    o.tracker.Snapshot(),
		Decisions: o.decisions,
		Errors:    o.errLog,
		Failures:  o.shared.FailureSnapshot(),
		Economics: o.shared.EconomicsSnapshot(),
	}
	if err := o.store.Save(cp); err != nil {
		o.recordError("checkpoint", err)
		return
	}
	o.bus.Emit(events.StateCheckpoint, events.CheckpointPayload{
		SessionID: o.sessionID,
		Phase:     string(phase),
	})
}

// finalRescue is the lenient pass: skipped tasks whose dependencies ended
// satisfied get one more chance if budget remains.
func (o *Orchestrator) finalRescue(ctx context.Context) {
	if o.stopping(ctx) || o.hollowStop || !o.budget.HasCapacity() {
		return
	}
	rescued := 0
	for _, t := range o.queue.All() {
		if t.Status == models.StatusSkipped && o.queue.RescueTask(t.ID, "lenient final pass") {
			rescued++
		}
	}
	if rescued == 0 {
		return
	}
	o.decide("final rescue: %d skipped task(s) returned to ready", rescued)
	o.runUntilQuiescent(ctx, true)
}

// verifyPhase executes the integration plan, emitting fix-up tasks for
// failed required steps and re-verifying up to the configured retries.
func (o *Orchestrator) verifyPhase(ctx context.Context) {
	o.adoptPlan(true)
	if !o.cfg.EnableVerification || o.plan == nil || len(o.plan.Integration) == 0 {
		return
	}
	if o.stopping(ctx) || o.hollowStop {
		return
	}
	o.phase = models.PhaseVerify
	o.bus.Emit(events.VerifyStart, nil)

	for attempt := 0; ; attempt++ {
		results := o.verifier.RunPlan(ctx, o.plan.Integration, func(r StepResult) {
			o.bus.Emit(events.VerifyStep, events.VerifyPayload{
				Step:        r.Index,
				Description: r.Step.Description,
				Command:     r.Step.Command,
				Passed:      r.Passed,
				Required:    r.Step.Required,
				Output:      truncateForJudge(r.Output, 500),
			})
		})
		failures := RequiredFailures(results)
		if len(failures) == 0 {
			o.decide("verification passed (%d steps)", len(results))
			break
		}
		if attempt >= o.cfg.MaxVerificationRetries {
			o.decide("verification still failing after %d retries (%d required failures)", attempt, len(failures))
			break
		}
		fixups := FixupsForFailures(attempt+1, failures)
		o.queue.AddFixupTasks(fixups)
		o.decide("verification attempt %d: %d required failure(s), %d fix-up task(s)", attempt+1, len(failures), len(fixups))
		o.runUntilQuiescent(ctx, true)
		if o.stopping(ctx) {
			break
		}
	}
	o.bus.Emit(events.VerifyComplete, nil)
}

// finish synthesizes and assembles the user-visible result.
func (o *Orchestrator) finish(ctx context.Context) *models.SwarmResult {
	o.pool.CancelAll()
	o.phase = models.PhaseSynthesize

	all := o.queue.All()
	output, conflicts := o.synth.Synthesize(all)
	if len(conflicts) > 0 {
		o.decide("synthesis resolved %d conflict(s)", len(conflicts))
	}

	counts := o.queue.CountByStatus()
	o.stats.Completed = counts[models.StatusCompleted]
	o.stats.Failed = counts[models.StatusFailed]
	o.stats.Skipped = counts[models.StatusSkipped]
	o.stats.Decomposed = counts[models.StatusDecomposed]
	o.stats.TotalTasks = o.queue.Len()
	o.stats.Duration = time.Since(o.startedAt)

	result := &models.SwarmResult{
		SessionID: o.sessionID,
		Output:    output,
		Stats:     o.stats,
		Artifacts: SwarmInventory(all),
	}
	for _, t := range all {
		switch t.Status {
		case models.StatusCompleted:
			result.CompletedIDs = append(result.CompletedIDs, t.ID)
		case models.StatusFailed:
			result.FailedIDs = append(result.FailedIDs, t.ID)
		case models.StatusSkipped:
			result.SkippedIDs = append(result.SkippedIDs, t.ID)
		}
	}

	switch {
	case o.stats.Completed > 0:
		result.Success = true
		result.PartialFailure = o.stats.Failed > 0
	case anyArtifactOnDisk(result.Artifacts):
		result.PartialSuccess = true
	}
	result.Summary = o.summarize(result)

	o.phase = models.PhaseComplete
	o.checkpointNow(models.PhaseComplete)
	if o.store != nil {
		o.store.Unlock(o.sessionID)
	}
	o.bus.Emit(events.Complete, nil)
	return result
}

func (o *Orchestrator) summarize(r *models.SwarmResult) string {
	var b strings.Builder
	switch {
	case o.hollowStop:
		b.WriteString("Terminated on hollow-completion threshold. ")
	case r.Success && !r.PartialFailure:
		b.WriteString("Swarm completed. ")
	case r.Success:
		b.WriteString("Swarm completed with failures. ")
	case r.PartialSuccess:
		b.WriteString("No subtask completed, but artifacts exist on disk. ")
	default:
		b.WriteString("Swarm failed. ")
	}
	fmt.Fprintf(&b, "%d/%d completed, %d failed, %d skipped.",
		o.stats.Completed, o.stats.TotalTasks, o.stats.Failed, o.stats.Skipped)
	if len(r.CompletedIDs) > 0 {
		fmt.Fprintf(&b, " Completed: %s.", strings.Join(r.CompletedIDs, ", "))
	}
	return b.String()
}

// failResult ends the run before execution started.
func (o *Orchestrator) failResult(summary string) *models.SwarmResult {
	if o.store != nil {
		o.store.Unlock(o.sessionID)
	}
	o.stats.Duration = time.Since(o.startedAt)
	return &models.SwarmResult{
		SessionID: o.sessionID,
		Summary:   summary,
		Stats:     o.stats,
	}
}
