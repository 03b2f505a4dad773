// Package health tracks per-model success, failure, rate-limit, and hollow
// counters and derives a health predicate used for worker ranking and
// failover decisions.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/eren23/attoswarm/internal/models"
)

// FailureKind classifies a recorded failure.
type FailureKind string

const (
	FailureRateLimit  FailureKind = "rate-limit"
	FailureSpendLimit FailureKind = "spend-limit"
	FailureTimeout    FailureKind = "timeout"
	FailureGeneric    FailureKind = "generic"
)

const (
	// latencyAlpha is the EWMA smoothing factor for latency.
	latencyAlpha = 0.3

	// rateLimitWindow is how far back rate limits count against health.
	rateLimitWindow = 60 * time.Second

	rateLimitUnhealthyCount = 2
	failureRateThreshold    = 0.5
	minAttemptsForRate      = 3
	qualityRejectionLimit   = 3
)

// Tracker owns all health records. Mutation happens from the orchestrator's
// decision loop; the mutex makes concurrent reads from observers safe.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*models.HealthRecord
	now     func() time.Time // swappable for tests
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*models.HealthRecord),
		now:     time.Now,
	}
}

func (t *Tracker) record(model string) *models.HealthRecord {
	r, ok := t.records[model]
	if !ok {
		r = &models.HealthRecord{Model: model, Healthy: true}
		t.records[model] = r
	}
	return r
}

// RecordSuccess records a successful dispatch and folds the latency into
// the EWMA.
func (t *Tracker) RecordSuccess(model string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(model)
	r.Successes++
	ms := float64(latency.Milliseconds())
	if r.LatencyEWMA == 0 {
		r.LatencyEWMA = ms
	} else {
		r.LatencyEWMA = latencyAlpha*ms + (1-latencyAlpha)*r.LatencyEWMA
	}
	t.refresh(r)
}

// RecordFailure records a failed dispatch. Rate-limit and spend-limit
// failures also feed the rate-limit window.
func (t *Tracker) RecordFailure(model string, kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(model)
	r.Failures++
	if kind == FailureRateLimit || kind == FailureSpendLimit {
		now := t.now()
		r.RateLimits++
		r.LastRateLimit = now
		r.RecentRateLimits = append(r.RecentRateLimits, now)
		t.pruneRateLimits(r)
	}
	t.refresh(r)
}

// RecordQualityRejection penalizes a model whose output failed the quality
// gate. Rejections arrive after a provisional success was recorded, so one
// success is retroactively undone.
func (t *Tracker) RecordQualityRejection(model string, score int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(model)
	r.QualityRejections++
	if r.Successes > 0 {
		r.Successes--
	}
	r.Failures++
	t.refresh(r)
}

// RecordHollow records a hollow completion, which also counts as a generic
// failure.
func (t *Tracker) RecordHollow(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(model)
	r.HollowCount++
	r.Failures++
	t.refresh(r)
}

// MarkUnhealthy explicitly disables a model until ResetAll.
func (t *Tracker) MarkUnhealthy(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.record(model)
	r.MarkedUnhealthy = true
	r.Healthy = false
}

// IsHealthy evaluates the health rule: unhealthy when explicitly marked,
// on >= 2 rate limits inside the 60s window, on failure-rate > 0.5 with at
// least 3 attempts, or on >= 3 quality rejections.
func (t *Tracker) IsHealthy(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[model]
	if !ok {
		return true
	}
	t.pruneRateLimits(r)
	t.refresh(r)
	return r.Healthy
}

// SuccessRate returns the model's observed success ratio in [0,1].
func (t *Tracker) SuccessRate(model string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[model]
	if !ok {
		return 1.0
	}
	return r.SuccessRate()
}

// HollowRate returns the model's hollow-completion ratio.
func (t *Tracker) HollowRate(model string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[model]
	if !ok {
		return 0
	}
	return r.HollowRate()
}

// ResetQualityRejections clears the per-model quality-rejection counters.
// Called at wave boundaries so one bad wave does not condemn a model.
func (t *Tracker) ResetQualityRejections() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		r.QualityRejections = 0
		t.refresh(r)
	}
}

// ResetAll clears every record, including explicit unhealthy marks. Used by
// the warn-and-try probe strategy.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*models.HealthRecord)
}

// Snapshot returns copies of all records sorted by model name.
func (t *Tracker) Snapshot() []models.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.HealthRecord, 0, len(t.records))
	for _, r := range t.records {
		t.pruneRateLimits(r)
		t.refresh(r)
		c := *r
		c.RecentRateLimits = append([]time.Time(nil), r.RecentRateLimits...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Restore loads records from a checkpoint snapshot.
func (t *Tracker) Restore(records []models.HealthRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*models.HealthRecord, len(records))
	for i := range records {
		r := records[i]
		r.RecentRateLimits = append([]time.Time(nil), records[i].RecentRateLimits...)
		t.records[r.Model] = &r
	}
}

// pruneRateLimits drops window entries older than 60s. Caller holds mu.
func (t *Tracker) pruneRateLimits(r *models.HealthRecord) {
	cutoff := t.now().Add(-rateLimitWindow)
	kept := r.RecentRateLimits[:0]
	for _, ts := range r.RecentRateLimits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.RecentRateLimits = kept
}

// refresh recomputes the health predicate. Caller holds mu.
func (t *Tracker) refresh(r *models.HealthRecord) {
	if r.MarkedUnhealthy {
		r.Healthy = false
		return
	}
	if len(r.RecentRateLimits) >= rateLimitUnhealthyCount {
		r.Healthy = false
		return
	}
	if attempts := r.Attempts(); attempts >= minAttemptsForRate {
		failureRate := float64(r.Failures) / float64(attempts)
		if failureRate > failureRateThreshold {
			r.Healthy = false
			return
		}
	}
	if r.QualityRejections >= qualityRejectionLimit {
		r.Healthy = false
		return
	}
	r.Healthy = true
}
