package events

import "time"

// TaskPayload accompanies task.* events.
type TaskPayload struct {
	SubtaskID string
	Type      string
	Model     string
	Wave      int
	Attempt   int
	Reason    string // failure/skip reason, resilience strategy, etc.
	Score     int    // quality score where applicable
	Duration  time.Duration
	Tokens    int64
	CostUSD   float64
}

// WavePayload accompanies wave.* events.
type WavePayload struct {
	Wave      int
	TaskCount int
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// ModelPayload accompanies model.* and quality.rejected events.
type ModelPayload struct {
	Model       string
	Healthy     bool
	SuccessRate float64
	HollowRate  float64
	FromModel   string // failover source
	Reason      string
}

// BudgetPayload accompanies budget.update.
type BudgetPayload struct {
	RemainingTokens int64
	UsedTokens      int64
	RemainingCost   float64
	UsedCost        float64
	Utilization     float64
}

// CircuitPayload accompanies circuit.open / circuit.closed.
type CircuitPayload struct {
	RateLimits int
	Cooldown   time.Duration
}

// DecisionPayload accompanies orchestrator.decision, stall, and replan.
type DecisionPayload struct {
	Decision string
	Detail   string
}

// LLMPayload accompanies orchestrator.llm.
type LLMPayload struct {
	Purpose string // decompose, judge, plan, review, verify, replan, split
	Model   string
	Tokens  int64
	CostUSD float64
}

// VerifyPayload accompanies verify.step.
type VerifyPayload struct {
	Step        int
	Description string
	Command     string
	Passed      bool
	Required    bool
	Output      string
}

// CheckpointPayload accompanies state.checkpoint and state.resume.
type CheckpointPayload struct {
	SessionID string
	Phase     string
	Path      string
	Orphans   int // resume only
}

// ErrorPayload accompanies error events.
type ErrorPayload struct {
	Scope string
	Err   string
}
