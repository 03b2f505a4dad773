package swarm

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// Circuit breaker tuning: 3 rate limits inside one 30s counting cycle open
// the breaker; dispatch pauses for 15s before a trial close. The counts
// clear at each 30s cycle boundary, so rate limits that straddle a boundary
// are counted in separate cycles.
const (
	breakerTripCount = 3
	breakerWindow    = 30 * time.Second
	breakerCooldown  = 15 * time.Second
)

var errRateLimited = errors.New("rate limited")

// RateLimitBreaker pauses all dispatch during rate-limit storms. It wraps
// a gobreaker instance whose failure stream is fed exclusively by
// OnRateLimit calls.
type RateLimitBreaker struct {
	cb *gobreaker.CircuitBreaker

	// OnOpen/OnClose fire on state transitions; both may be nil.
	OnOpen  func(cooldown time.Duration)
	OnClose func()
}

// NewRateLimitBreaker creates a closed breaker.
func NewRateLimitBreaker() *RateLimitBreaker {
	b := &RateLimitBreaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "rate-limit",
		Interval: breakerWindow,   // cyclic reset of the failure counts
		Timeout:  breakerCooldown, // open -> half-open
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= breakerTripCount
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				if b.OnOpen != nil {
					b.OnOpen(breakerCooldown)
				}
			case gobreaker.StateClosed:
				if b.OnClose != nil {
					b.OnClose()
				}
			}
		},
	})
	return b
}

// OnRateLimit records one rate limit against the breaker.
func (b *RateLimitBreaker) OnRateLimit() {
	// Execute with a failing body: the breaker only counts outcomes, the
	// actual dispatch already happened.
	_, _ = b.cb.Execute(func() (interface{}, error) {
		return nil, errRateLimited
	})
}

// OnSuccess records a successful dispatch, closing a half-open breaker.
func (b *RateLimitBreaker) OnSuccess() {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		return nil, nil
	})
}

// Open reports whether dispatch must pause.
func (b *RateLimitBreaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Cooldown returns the configured open duration.
func (b *RateLimitBreaker) Cooldown() time.Duration {
	return breakerCooldown
}
