package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eren23/attoswarm/internal/blackboard"
	"github.com/eren23/attoswarm/internal/events"
	"github.com/eren23/attoswarm/internal/health"
	"github.com/eren23/attoswarm/internal/llm"
	"github.com/eren23/attoswarm/internal/models"
	"github.com/eren23/attoswarm/internal/spawn"
)

// Token estimation for reservations: a worker's spend scales with task
// complexity. Reconciled against actuals at release.
const (
	estimateBase          = 2000
	estimatePerComplexity = 1500
	estimateCostPer1M     = 15.0
)

func estimateTokens(t *models.Subtask) int64 {
	return int64(estimateBase + estimatePerComplexity*t.Complexity)
}

func estimateCost(tokens int64) float64 {
	return float64(tokens) / 1e6 * estimateCostPer1M
}

// executeWaves runs phase 6: the wave loop.
func (o *Orchestrator) executeWaves(ctx context.Context) {
	o.phase = models.PhaseExecute

	for {
		members := o.queue.WaveMembers(o.queue.CurrentWave())
		o.bus.Emit(events.WaveStart, events.WavePayload{
			Wave:      o.queue.CurrentWave(),
			TaskCount: len(members),
		})
		waveStart := time.Now()

		for {
			o.runUntilQuiescent(ctx, true)
			if !o.postWave(ctx) {
				break
			}
		}

		o.emitWaveComplete(waveStart)
		o.checkpointNow(models.PhaseExecute)

		if o.stopping(ctx) || o.hollowStop {
			break
		}
		if !o.budget.HasCapacity() {
			o.decide("budget exhausted, ending wave loop")
			break
		}
		if !o.queue.AdvanceWave() {
			break
		}
	}
}

func (o *Orchestrator) emitWaveComplete(waveStart time.Time) {
	wave := o.queue.CurrentWave()
	var completed, failed, skipped int
	for _, id := range o.queue.WaveMembers(wave) {
		switch o.queue.Get(id).Status {
		case models.StatusCompleted, models.StatusDecomposed:
			completed++
		case models.StatusFailed:
			failed++
		case models.StatusSkipped:
			skipped++
		}
	}
	o.bus.Emit(events.WaveComplete, events.WavePayload{
		Wave:      wave,
		TaskCount: len(o.queue.WaveMembers(wave)),
		Completed: completed,
		Failed:    failed,
		Skipped:   skipped,
		Duration:  time.Since(waveStart),
	})
}

// runUntilQuiescent dispatches and collects completions until the current
// wave (plus slot-filled later-wave tasks) has nothing ready and nothing
// in flight. This is the orchestrator's single-threaded decision loop;
// WaitForAny is its one suspension point.
func (o *Orchestrator) runUntilQuiescent(ctx context.Context, slotFill bool) {
	for {
		if o.stopping(ctx) {
			o.pool.CancelAll()
			return
		}
		if o.hollowStop {
			return
		}
		o.adoptPlan(false)

		// Circuit open: no dispatch, but keep draining completions.
		if o.breaker.Open() {
			if o.pool.ActiveCount() > 0 {
				if c := o.pool.WaitForAny(ctx); c != nil {
					o.handleCompletion(ctx, c)
				}
				continue
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		if next := o.nextDispatchable(slotFill); next != nil && o.pool.AvailableSlots() > 0 {
			if o.tryDispatch(ctx, next) {
				continue
			}
		}

		if o.pool.ActiveCount() > 0 {
			if c := o.pool.WaitForAny(ctx); c != nil {
				o.handleCompletion(ctx, c)
			}
			continue
		}

		// Nothing in flight; tasks may just be cooling down.
		if wait := o.earliestCooldown(); wait > 0 && o.budget.HasCapacity() {
			if wait > 2*time.Second {
				wait = 2 * time.Second
			}
			time.Sleep(wait)
			continue
		}
		return
	}
}

func (o *Orchestrator) nextDispatchable(slotFill bool) *models.Subtask {
	ready := o.queue.GetReadyTasks()
	if len(ready) == 0 && slotFill {
		ready = o.queue.GetAllReadyTasks()
	}
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

// earliestCooldown returns the wait until the nearest rate-limit cooldown
// among otherwise-ready tasks, or 0 when none is cooling down.
func (o *Orchestrator) earliestCooldown() time.Duration {
	var earliest time.Time
	now := time.Now()
	for _, t := range o.queue.All() {
		if t.Status != models.StatusReady || t.RetryAfter.IsZero() || !t.RetryAfter.After(now) {
			continue
		}
		if earliest.IsZero() || t.RetryAfter.Before(earliest) {
			earliest = t.RetryAfter
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return time.Until(earliest)
}

// tryDispatch runs the pre-dispatch pipeline for one ready task: auto-
// split, worker selection, budget reservation, stagger, then launch.
// Returns true when it made progress (dispatched or restructured).
func (o *Orchestrator) tryDispatch(ctx context.Context, t *models.Subtask) bool {
	// Resilience stage 1: pre-dispatch auto-split of heavyweight
	// foundation tasks, first attempt only.
	if o.resilience.AutoSplitEligible(t) && o.budget.HasCapacity() {
		var usage llm.Usage
		subs := o.resilience.AutoSplit(ctx, t, &usage)
		o.accountLLM("auto-split", usage)
		if len(subs) > 0 {
			o.queue.ReplaceWithSubtasks(t.ID, subs)
			o.bus.Emit(events.TaskResilience, events.TaskPayload{
				SubtaskID: t.ID,
				Reason:    fmt.Sprintf("%s into %d subtasks", StrategyAutoSplit, len(subs)),
			})
			o.decide("auto-split %s into %d parallel subtasks", t.ID, len(subs))
			return true
		}
	}

	capability := capabilityFor(o.cfg, t.Type)
	worker := o.selectWorkerFor(t, capability)
	if worker == nil {
		o.handleNoWorker(ctx, t, capability)
		return true
	}

	est := estimateTokens(t)
	stats := o.budget.GetStats()
	if stats.RemainingTokens-est < o.reserveTokens {
		// Orchestrator reserve would be breached; hold the task ready.
		return false
	}
	res, err := o.budget.Reserve(est, estimateCost(est))
	if err != nil {
		// Budget exhaustion is never a task failure: the task stays
		// ready for when tokens are released.
		return false
	}

	if err := o.stagger.Wait(ctx); err != nil {
		o.budget.Release(res, 0, 0)
		return false
	}

	o.queue.MarkDispatched(t.ID, worker.Model)
	o.stats.Dispatches++
	o.hollow.recordDispatch()

	spec := o.cfg.TaskTypeFor(t.Type)
	req := spawn.Request{
		WorkerName: worker.Name,
		Model:      worker.Model,
		Prompt:     o.buildPrompt(t),
		Timeout:    spec.Timeout,
		Retry:      t.Retry,
	}
	o.pool.Dispatch(ctx, t.ID, *worker, req, res)

	o.bus.Emit(events.TaskAttempt, events.TaskPayload{
		SubtaskID: t.ID, Type: string(t.Type), Attempt: t.Attempts, Model: worker.Model,
	})
	o.bus.Emit(events.TaskDispatched, events.TaskPayload{
		SubtaskID: t.ID,
		Type:      string(t.Type),
		Model:     worker.Model,
		Wave:      t.Wave,
		Attempt:   t.Attempts,
	})
	return true
}

// selectWorkerFor prefers a different model after a failure when failover
// is enabled.
func (o *Orchestrator) selectWorkerFor(t *models.Subtask, capability string) *Worker {
	if o.cfg.EnableModelFailover && t.Retry != nil && t.Retry.PreviousModel != "" {
		if w := o.pool.SelectWorkerExcluding(capability, t.Retry.PreviousModel); w != nil {
			return w
		}
	}
	return o.pool.SelectWorker(capability)
}

// handleNoWorker applies the dispatch-error policy: retry through the
// resilience pipeline only when prior attempts exist, otherwise hard-fail
// and cascade.
func (o *Orchestrator) handleNoWorker(ctx context.Context, t *models.Subtask, capability string) {
	priorAttempts := t.Attempted()
	o.queue.MarkDispatched(t.ID, "")
	o.queue.MarkFailedWithoutCascade(t.ID, 0, models.FailureError)
	o.shared.RecordFailure(t.ID, "", models.FailureError, "no worker for capability "+capability)

	if priorAttempts {
		o.applyResilience(ctx, t, t.Result)
		return
	}
	o.failTerminally(t, "no worker declares capability "+capability)
}

// buildPrompt renders the worker prompt: type template, description,
// file lists, acceptance criteria, and the swarm's failure memory.
func (o *Orchestrator) buildPrompt(t *models.Subtask) string {
	spec := o.cfg.TaskTypeFor(t.Type)

	var b strings.Builder
	if spec.PromptTemplate != "" {
		if strings.Contains(spec.PromptTemplate, "%s") {
			fmt.Fprintf(&b, spec.PromptTemplate, t.Description)
		} else {
			b.WriteString(spec.PromptTemplate)
			b.WriteString("\n\n")
			b.WriteString(t.Description)
		}
	} else {
		fmt.Fprintf(&b, "You are a %s worker in a coding swarm.\n\n%s", t.Type, t.Description)
	}
	if len(t.TargetFiles) > 0 {
		fmt.Fprintf(&b, "\n\nFiles to modify: %s", strings.Join(t.TargetFiles, ", "))
	}
	if len(t.ReadFiles) > 0 {
		fmt.Fprintf(&b, "\nRead-only context: %s", strings.Join(t.ReadFiles, ", "))
	}
	if criteria := o.plan.CriteriaFor(t.ID); len(criteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if memory := o.shared.FailureSummary(10); memory != "" {
		b.WriteString("\n")
		b.WriteString(memory)
	}
	return b.String()
}

// handleCompletion is the single entry point for worker outcomes.
func (o *Orchestrator) handleCompletion(ctx context.Context, c *Completion) {
	t := o.queue.Get(c.TaskID)
	if t == nil {
		return
	}
	result := ToTaskResult(c)

	actualTokens := result.TokensUsed
	actualCost := result.CostUSD
	o.budget.Release(c.Reservation, actualTokens, actualCost)
	o.stats.TokensUsed += actualTokens
	o.stats.CostUSD += actualCost
	o.shared.RecordDispatch(c.Worker.Model, actualTokens, actualCost)
	o.emitBudget()

	if c.Err != nil {
		o.handleSpawnError(ctx, t, c, result)
		return
	}
	if result.TimedOut() {
		o.handleTimeout(ctx, t, c, result)
		return
	}
	// The worker call came back without a rate limit: for the breaker that
	// is a successful dispatch, whatever the quality gate decides next.
	o.breaker.OnSuccess()

	if isHollow(o.cfg, result) {
		o.handleHollow(ctx, t, c, result)
		return
	}
	t.ConsecutiveTimeouts = 0

	// A dispatched task flagged for cascade-skip mid-flight: honor the
	// skip only if its output fails pre-flight; real work overrides.
	if t.PendingCascadeSkip {
		arts := taskArtifacts(t, result)
		pf := preflight(o.cfg, t, result, arts)
		if !pf.Passed {
			t.Result = result
			o.queue.MarkSkipped(t.ID)
			o.bus.Emit(events.TaskSkipped, events.TaskPayload{
				SubtaskID: t.ID, Reason: "cascade skip honored: " + pf.Feedback,
			})
			return
		}
		o.decide("%s survived a pending cascade skip with a pre-flight-passing result", t.ID)
	}

	if !result.Success {
		t.Result = result
		o.tracker.RecordFailure(c.Worker.Model, health.FailureGeneric)
		o.emitHealth(c.Worker.Model)
		o.handleFailure(ctx, t, result, models.FailureError,
			"worker reported failure: "+truncateForJudge(result.Output, 300))
		return
	}

	// Provisional success: a later quality rejection retroactively undoes
	// it through RecordQualityRejection.
	o.tracker.RecordSuccess(c.Worker.Model, c.Duration)

	var judgeUsage llm.Usage
	verdict := o.gate.Evaluate(ctx, t, result, o.plan.CriteriaFor(t.ID), &judgeUsage)
	o.accountLLM("judge", judgeUsage)

	result.QualityScore = verdict.Score
	result.Feedback = verdict.Feedback

	if verdict.Accepted {
		o.completeTask(ctx, t, c, result)
		return
	}

	// Quality rejection: penalize the model, attach retry context, and
	// prefer a different model on the next attempt.
	o.tracker.RecordQualityRejection(c.Worker.Model, verdict.Score)
	o.bus.Emit(events.QualityRejected, events.ModelPayload{
		Model:  c.Worker.Model,
		Reason: verdict.Feedback,
	})
	o.emitHealth(c.Worker.Model)
	t.Result = result
	o.shared.RecordFailure(t.ID, c.Worker.Model, models.FailureQuality, verdict.Feedback)
	o.handleFailure(ctx, t, result, models.FailureQuality, verdict.Feedback)
}

func (o *Orchestrator) completeTask(ctx context.Context, t *models.Subtask, c *Completion, result *models.SubtaskResult) {
	o.queue.MarkCompleted(t.ID, result)
	o.stagger.OnSuccess()
	o.hollow.recordOutcome(false)
	o.bus.Emit(events.TaskCompleted, events.TaskPayload{
		SubtaskID: t.ID,
		Type:      string(t.Type),
		Model:     result.Model,
		Wave:      t.Wave,
		Score:     result.QualityScore,
		Duration:  result.Duration,
		Tokens:    result.TokensUsed,
		CostUSD:   result.CostUSD,
	})
	o.publishFinding(ctx, t, result)
}

func (o *Orchestrator) publishFinding(ctx context.Context, t *models.Subtask, result *models.SubtaskResult) {
	if o.board == nil {
		return
	}
	confidence := float64(result.QualityScore) / 5.0
	err := o.board.Post(ctx, "swarm/"+o.sessionID, blackboard.Finding{
		Topic:        string(t.Type) + "/" + t.ID,
		Content:      truncateForJudge(result.Output, 2000),
		Type:         "subtask-result",
		Confidence:   confidence,
		Tags:         []string{string(t.Type)},
		RelatedFiles: result.FilesModified,
	})
	if err != nil {
		o.recordError("blackboard", err)
	}
}

func (o *Orchestrator) handleSpawnError(ctx context.Context, t *models.Subtask, c *Completion, result *models.SubtaskResult) {
	err := c.Err
	model := c.Worker.Model

	switch {
	case llm.IsRateLimit(err), llm.IsSpendLimit(err):
		kind := health.FailureRateLimit
		mode := models.FailureRateLimit
		if llm.IsSpendLimit(err) {
			kind = health.FailureSpendLimit
		}
		o.tracker.RecordFailure(model, kind)
		o.breaker.OnRateLimit()
		o.stagger.OnRateLimit()
		o.emitHealth(model)

		cooldown := llm.RetryAfter(err)
		if cooldown == 0 {
			cooldown = o.backoff(t.Attempts)
		}
		o.queue.SetRetryAfter(t.ID, time.Now().Add(cooldown))
		o.shared.RecordFailure(t.ID, model, models.FailureRateLimit, err.Error())
		o.handleFailure(ctx, t, result, mode, fmt.Sprintf("rate limited, cooling down %s", cooldown.Round(time.Second)))

	case llm.IsTimeout(err):
		o.handleTimeout(ctx, t, c, result)

	default:
		o.tracker.RecordFailure(model, health.FailureGeneric)
		o.emitHealth(model)
		o.shared.RecordFailure(t.ID, model, models.FailureError, err.Error())
		o.handleFailure(ctx, t, result, models.FailureError, err.Error())
	}
}

func (o *Orchestrator) handleTimeout(ctx context.Context, t *models.Subtask, c *Completion, result *models.SubtaskResult) {
	model := c.Worker.Model
	t.ConsecutiveTimeouts++
	o.tracker.RecordFailure(model, health.FailureTimeout)
	o.emitHealth(model)

	feedback := fmt.Sprintf("worker timed out after %.0f seconds", c.Duration.Seconds())
	t.Result = result // timeout sentinel is evidence for degraded acceptance
	o.shared.RecordFailure(t.ID, model, models.FailureTimeout, feedback)

	if t.ConsecutiveTimeouts >= o.cfg.ConsecutiveTimeoutLimit {
		capability := capabilityFor(o.cfg, t.Type)
		if alt := o.pool.SelectWorkerExcluding(capability, model); alt != nil && o.cfg.EnableModelFailover {
			o.bus.Emit(events.ModelFailover, events.ModelPayload{FromModel: model, Model: alt.Model, Reason: "consecutive timeouts"})
			t.ConsecutiveTimeouts = 0
			t.Retry = &models.RetryContext{Feedback: feedback, PreviousModel: model}
			if !o.queue.MarkFailedWithoutCascade(t.ID, o.limitFor(t, models.FailureTimeout), models.FailureTimeout) {
				o.applyResilience(ctx, t, result)
			}
			return
		}
		o.applyResilienceAfterFailure(ctx, t, result, models.FailureTimeout)
		return
	}
	o.handleFailure(ctx, t, result, models.FailureTimeout, feedback)
}

func (o *Orchestrator) handleHollow(ctx context.Context, t *models.Subtask, c *Completion, result *models.SubtaskResult) {
	model := c.Worker.Model
	o.tracker.RecordHollow(model)
	o.hollow.recordOutcome(true)
	o.stats.Hollow++
	o.emitHealth(model)
	o.shared.RecordFailure(t.ID, model, models.FailureHollow, "hollow completion")

	t.Result = result
	t.Retry = &models.RetryContext{
		Feedback:      "previous attempt was hollow: no tool calls and no substantive output",
		PreviousModel: model,
		Progress:      o.progressSummary(),
	}

	singleModel := len(o.pool.DistinctModels()) == 1
	if o.hollow.shouldTerminate(singleModel) {
		o.hollowStop = true
		o.decide("hollow termination: %d hollow of %d dispatches", o.stats.Hollow, o.stats.Dispatches)
		o.queue.MarkFailedWithoutCascade(t.ID, 0, models.FailureHollow)
		return
	}
	o.handleFailure(ctx, t, result, models.FailureHollow, t.Retry.Feedback)
}

// backoff is the exponential retry delay from the configured base.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d > time.Minute {
			return time.Minute
		}
	}
	return d
}

func (o *Orchestrator) limitFor(t *models.Subtask, mode models.FailureMode) int {
	limit := o.retryLimit()
	if t.Foundation {
		limit++
	}
	if mode == models.FailureRateLimit {
		limit = o.cfg.RateLimitRetries + 1
		if t.Foundation {
			limit++
		}
	}
	if limit > o.cfg.MaxDispatchesPerTask {
		limit = o.cfg.MaxDispatchesPerTask
	}
	return limit
}

// handleFailure routes a failed attempt: back to ready when retries
// remain, otherwise into the resilience pipeline.
func (o *Orchestrator) handleFailure(ctx context.Context, t *models.Subtask, result *models.SubtaskResult, mode models.FailureMode, feedback string) {
	if t.Retry == nil || t.Retry.Feedback != feedback {
		retry := &models.RetryContext{
			Feedback: feedback,
			Progress: o.progressSummary(),
		}
		if result != nil {
			retry.Score = result.QualityScore
			retry.PreviousModel = result.Model
			retry.PreviousFiles = result.FilesModified
		}
		t.Retry = retry
	}

	if o.queue.MarkFailedWithoutCascade(t.ID, o.limitFor(t, mode), mode) {
		if mode != models.FailureRateLimit && t.RetryAfter.IsZero() {
			o.queue.SetRetryAfter(t.ID, time.Now().Add(o.backoff(t.Attempts)))
		}
		o.bus.Emit(events.TaskFailed, events.TaskPayload{
			SubtaskID: t.ID, Reason: feedback + " (will retry)", Attempt: t.Attempts,
		})
		return
	}
	o.applyResilienceAfterFailure(ctx, t, result, mode)
}

func (o *Orchestrator) applyResilienceAfterFailure(ctx context.Context, t *models.Subtask, result *models.SubtaskResult, mode models.FailureMode) {
	if t.Status == models.StatusDispatched {
		o.queue.MarkFailedWithoutCascade(t.ID, 0, mode)
	}
	o.applyResilience(ctx, t, result)
}

// applyResilience is stages 2-4 of the pipeline (auto-split already ran
// pre-dispatch): micro-decompose, degraded acceptance, cascade-skip.
func (o *Orchestrator) applyResilience(ctx context.Context, t *models.Subtask, result *models.SubtaskResult) {
	if o.resilience.MicroDecomposeEligible(t) && o.budget.HasCapacity() {
		var usage llm.Usage
		subs := o.resilience.MicroDecompose(ctx, t, &usage)
		o.accountLLM("micro-decompose", usage)
		if len(subs) > 0 {
			o.queue.ReplaceWithSubtasks(t.ID, subs)
			o.bus.Emit(events.TaskResilience, events.TaskPayload{
				SubtaskID: t.ID,
				Reason:    fmt.Sprintf("%s into %d subtasks", StrategyMicroDecompose, len(subs)),
			})
			o.decide("micro-decomposed %s into %d subtasks", t.ID, len(subs))
			return
		}
	}

	if degraded := o.resilience.DegradedAcceptance(t, result); degraded != nil {
		o.queue.MarkCompleted(t.ID, degraded)
		o.bus.Emit(events.TaskResilience, events.TaskPayload{
			SubtaskID: t.ID,
			Reason:    string(StrategyDegraded),
			Score:     degraded.QualityScore,
		})
		o.bus.Emit(events.TaskCompleted, events.TaskPayload{
			SubtaskID: t.ID,
			Type:      string(t.Type),
			Score:     degraded.QualityScore,
			Reason:    string(StrategyDegraded),
		})
		o.decide("accepted %s degraded: artifacts exist on disk", t.ID)
		return
	}

	o.failTerminally(t, string(t.FailureMode))
}

func (o *Orchestrator) failTerminally(t *models.Subtask, reason string) {
	o.bus.Emit(events.TaskFailed, events.TaskPayload{
		SubtaskID: t.ID, Reason: reason, Attempt: t.Attempts,
	})
	skipped := o.queue.TriggerCascadeSkip(t.ID)
	for _, id := range skipped {
		o.bus.Emit(events.TaskSkipped, events.TaskPayload{
			SubtaskID: id, Reason: "dependency " + t.ID + " failed",
		})
	}
	if len(skipped) > 0 {
		o.bus.Emit(events.TaskResilience, events.TaskPayload{
			SubtaskID: t.ID,
			Reason:    fmt.Sprintf("%s: %d descendant(s)", StrategyCascadeSkip, len(skipped)),
		})
	}
}

func (o *Orchestrator) emitBudget() {
	s := o.budget.GetStats()
	o.bus.Emit(events.BudgetUpdate, events.BudgetPayload{
		RemainingTokens: s.RemainingTokens,
		UsedTokens:      s.UsedTokens,
		RemainingCost:   s.RemainingCost,
		UsedCost:        s.UsedCost,
		Utilization:     s.Utilization,
	})
}

func (o *Orchestrator) emitHealth(model string) {
	o.bus.Emit(events.ModelHealth, events.ModelPayload{
		Model:       model,
		Healthy:     o.tracker.IsHealthy(model),
		SuccessRate: o.tracker.SuccessRate(model),
		HollowRate:  o.tracker.HollowRate(model),
	})
}

func (o *Orchestrator) progressSummary() string {
	counts := o.queue.CountByStatus()
	return fmt.Sprintf("%d/%d completed, %d failed, %d skipped, wave %d of %d",
		counts[models.StatusCompleted], o.queue.Len(),
		counts[models.StatusFailed], counts[models.StatusSkipped],
		o.queue.CurrentWave()+1, o.queue.MaxWave()+1)
}

// postWave runs the end-of-wave pipeline: all-failed recovery, review,
// cascade rescue, counter resets, budget reallocation, mid-swarm
// assessment, and the stall-triggered re-plan. Returns true when it put
// new work into the current wave, in which case the caller loops.
func (o *Orchestrator) postWave(ctx context.Context) bool {
	if o.stopping(ctx) || o.hollowStop {
		return false
	}
	rerun := false
	wave := o.queue.CurrentWave()
	members := o.queue.WaveMembers(wave)

	// Wave recovery: when every attempted task in the wave failed,
	// re-queue them once with retry context if budget allows.
	attempted, failed := 0, 0
	for _, id := range members {
		t := o.queue.Get(id)
		if !t.Attempted() {
			continue
		}
		attempted++
		if t.Status == models.StatusFailed {
			failed++
		}
	}
	if attempted > 0 && failed == attempted && !o.recoveredWaves[wave] {
		o.recoveredWaves[wave] = true
		o.bus.Emit(events.WaveAllFailed, events.WavePayload{Wave: wave, TaskCount: len(members), Failed: failed})
		if o.budget.HasCapacity() {
			requeued := 0
			for _, id := range members {
				t := o.queue.Get(id)
				if t.Status != models.StatusFailed {
					continue
				}
				if t.Retry == nil {
					t.Retry = &models.RetryContext{Progress: o.progressSummary()}
				}
				if o.queue.RequeueFailed(id) {
					requeued++
				}
			}
			if requeued > 0 {
				o.decide("wave %d recovery: re-queued %d failed task(s)", wave, requeued)
				rerun = true
			}
		}
	}

	// Wave review may emit fix-up tasks into the current wave.
	if o.cfg.EnableWaveReview && !o.reviewedWaves[wave] {
		o.reviewedWaves[wave] = true
		o.bus.Emit(events.ReviewStart, nil)
		var tasks []*models.Subtask
		for _, id := range members {
			tasks = append(tasks, o.queue.Get(id))
		}
		var usage llm.Usage
		assessment, fixups, err := o.reviewer.ReviewWave(ctx, wave, tasks, &usage)
		o.accountLLM("review", usage)
		if err != nil {
			o.recordError("review", err)
		} else {
			o.bus.Emit(events.ReviewComplete, events.DecisionPayload{Detail: assessment})
			if len(fixups) > 0 {
				o.queue.AddFixupTasks(fixups)
				o.decide("wave %d review emitted %d fix-up task(s)", wave, len(fixups))
				rerun = true
			}
		}
	}

	// Cascade rescue: skipped tasks whose dependencies ended satisfied
	// (e.g. through degraded acceptance) return to ready.
	for _, t := range o.queue.All() {
		if t.Status != models.StatusSkipped {
			continue
		}
		if o.queue.RescueTask(t.ID, "cascade rescue") {
			o.decide("rescued %s: dependencies now satisfied", t.ID)
			if t.Wave == wave {
				rerun = true
			}
		}
	}

	o.gate.ResetWave()
	o.tracker.ResetQualityRejections()

	// Return the orchestrator reserve to the workers on the last wave, and
	// give reserve-blocked tasks another dispatch round.
	if wave >= o.queue.MaxWave() && o.reserveTokens > 0 {
		o.decide("budget reallocation: releasing %d reserved tokens to workers", o.reserveTokens)
		o.reserveTokens = 0
		if len(o.queue.GetAllReadyTasks()) > 0 {
			rerun = true
		}
	}
	o.emitBudget()

	if !rerun {
		o.midSwarmAssessment(ctx)
		rerun = o.maybeReplan(ctx)
	}
	return rerun
}

// midSwarmAssessment triages low-value leaf tasks when projected spend
// overruns the budget. Waiting is preferred while workers are active; by
// construction none are here.
func (o *Orchestrator) midSwarmAssessment(ctx context.Context) {
	if o.stats.Dispatches == 0 {
		return
	}
	avg := o.stats.TokensUsed / int64(o.stats.Dispatches)
	remaining := 0
	for _, t := range o.queue.All() {
		switch t.Status {
		case models.StatusPending, models.StatusReady:
			remaining++
		}
	}
	if remaining == 0 {
		return
	}
	stats := o.budget.GetStats()
	if avg*int64(remaining) <= stats.RemainingTokens {
		return
	}

	candidates := TriageCandidates(o.queue.All(), func(id string) int {
		n := 0
		for _, t := range o.queue.All() {
			for _, dep := range t.DependsOn {
				if dep == id {
					n++
				}
			}
		}
		return n
	})
	if len(candidates) == 0 {
		return
	}
	for _, t := range candidates {
		o.queue.MarkSkipped(t.ID)
		o.bus.Emit(events.TaskSkipped, events.TaskPayload{
			SubtaskID: t.ID, Reason: "budget triage: low-complexity leaf",
		})
	}
	o.decide("mid-swarm assessment: triaged %d low-complexity leaf task(s), projected %d tokens for %d tasks vs %d remaining",
		len(candidates), avg*int64(remaining), remaining, stats.RemainingTokens)
}

// maybeReplan runs the stall-triggered re-plan, once per execution.
func (o *Orchestrator) maybeReplan(ctx context.Context) bool {
	if o.replanned {
		return false
	}
	stalled := IsStalled(o.queue.All())
	if !stalled && !o.forceReplan {
		return false
	}
	o.replanned = true
	o.forceReplan = false

	detail := "success ratio below threshold"
	o.bus.Emit(events.Stall, events.DecisionPayload{Decision: "stall", Detail: detail})

	var completed, stuck []*models.Subtask
	for _, t := range o.queue.All() {
		switch t.Status {
		case models.StatusCompleted, models.StatusDecomposed:
			completed = append(completed, t)
		case models.StatusFailed, models.StatusSkipped:
			stuck = append(stuck, t)
		}
	}
	var usage llm.Usage
	result, err := o.replanner.Replan(ctx, completed, stuck, SwarmInventory(o.queue.All()), &usage)
	o.accountLLM("replan", usage)
	if err != nil {
		o.recordError("replan", err)
		return false
	}
	o.bus.Emit(events.Replan, events.DecisionPayload{Decision: "replan", Detail: result.Reasoning})

	if len(result.NewTasks) == 0 {
		return false
	}
	o.queue.AddReplanTasks(result.NewTasks, o.queue.CurrentWave())
	o.decide("re-plan added %d task(s): %s", len(result.NewTasks), truncateForJudge(result.Reasoning, 200))
	return true
}
