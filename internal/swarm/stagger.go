package swarm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stagger bounds for the adaptive inter-dispatch delay.
const (
	staggerMin = 200 * time.Millisecond
	staggerMax = 10 * time.Second

	staggerGrowth = 1.5 // per rate limit
	staggerDecay  = 0.9 // per success
)

// Stagger spaces dispatches apart and adapts the gap to observed backend
// pressure: rate limits widen it, successes narrow it. Backed by a token
// limiter so the first dispatch after a quiet period goes immediately.
type Stagger struct {
	mu      sync.Mutex
	current time.Duration
	limiter *rate.Limiter
}

// NewStagger creates a stagger with the configured initial delay, clamped
// into [200ms, 10s].
func NewStagger(initial time.Duration) *Stagger {
	d := clampStagger(initial)
	return &Stagger{
		current: d,
		limiter: rate.NewLimiter(rate.Every(d), 1),
	}
}

func clampStagger(d time.Duration) time.Duration {
	if d < staggerMin {
		return staggerMin
	}
	if d > staggerMax {
		return staggerMax
	}
	return d
}

// Wait blocks until the next dispatch slot or ctx cancellation.
func (s *Stagger) Wait(ctx context.Context) error {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	return limiter.Wait(ctx)
}

// Current returns the present inter-dispatch delay.
func (s *Stagger) Current() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnRateLimit widens the gap by 1.5x.
func (s *Stagger) OnRateLimit() {
	s.adjust(staggerGrowth)
}

// OnSuccess narrows the gap by 0.9x.
func (s *Stagger) OnSuccess() {
	s.adjust(staggerDecay)
}

func (s *Stagger) adjust(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = clampStagger(time.Duration(float64(s.current) * factor))
	s.limiter.SetLimit(rate.Every(s.current))
}
