package models

import "time"

// HealthRecord tracks one model's observed behavior. The health tracker
// owns all mutation; the record itself is a plain snapshot so it can ride
// checkpoints and events.
type HealthRecord struct {
	Model             string      `json:"model"`
	Successes         int         `json:"successes"`
	Failures          int         `json:"failures"`
	RateLimits        int         `json:"rate_limits"`
	LastRateLimit     time.Time   `json:"last_rate_limit,omitzero"`
	RecentRateLimits  []time.Time `json:"recent_rate_limits,omitempty"`
	LatencyEWMA       float64     `json:"latency_ewma_ms"`
	Healthy           bool        `json:"healthy"`
	MarkedUnhealthy   bool        `json:"marked_unhealthy,omitempty"`
	QualityRejections int         `json:"quality_rejections"`
	HollowCount       int         `json:"hollow_count"`
}

// Attempts is the total number of recorded outcomes.
func (h *HealthRecord) Attempts() int {
	return h.Successes + h.Failures
}

// SuccessRate returns the observed success ratio in [0,1]. A model with no
// attempts is treated as fully successful so fresh models rank above known
// bad ones.
func (h *HealthRecord) SuccessRate() float64 {
	attempts := h.Attempts()
	if attempts == 0 {
		return 1.0
	}
	return float64(h.Successes) / float64(attempts)
}

// HollowRate returns the fraction of attempts that were hollow completions.
func (h *HealthRecord) HollowRate() float64 {
	attempts := h.Attempts()
	if attempts == 0 {
		return 0
	}
	return float64(h.HollowCount) / float64(attempts)
}
