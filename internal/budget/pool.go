// Package budget implements the shared token/cost/time pool.
//
// A reservation deducts from the pool at grant time and is reconciled at
// release: unused amounts return to the pool, overages are recorded
// best-effort and flip HasCapacity to false. The pool is accessed from the
// orchestrator's decision loop but kept thread-safe so observers can read
// stats concurrently.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted indicates a reservation would drive a bucket negative.
var ErrExhausted = errors.New("budget exhausted")

// Reservation is the handle returned by Reserve. Release reconciles it
// against actual usage exactly once.
type Reservation struct {
	id       int64
	Tokens   int64
	CostUSD  float64
	released bool
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TotalTokens     int64
	RemainingTokens int64
	ReservedTokens  int64
	UsedTokens      int64

	TotalCost     float64
	RemainingCost float64
	ReservedCost  float64
	UsedCost      float64

	Deadline    time.Time
	Utilization float64 // used tokens / total tokens
}

// Pool tracks one global token bucket, one cost bucket, and one deadline.
type Pool struct {
	mu sync.Mutex

	totalTokens     int64
	remainingTokens int64
	reservedTokens  int64
	usedTokens      int64

	totalCost     float64
	remainingCost float64
	reservedCost  float64
	usedCost      float64

	deadline time.Time
	overrun  bool // an overage was recorded; HasCapacity reports false

	nextID       int64
	reservations map[int64]*Reservation

	largestReservation int64
}

// NewPool creates a pool with the given token and cost budgets. A zero
// deadline disables the time bucket.
func NewPool(totalTokens int64, maxCost float64, deadline time.Time) *Pool {
	return &Pool{
		totalTokens:     totalTokens,
		remainingTokens: totalTokens,
		totalCost:       maxCost,
		remainingCost:   maxCost,
		deadline:        deadline,
		reservations:    make(map[int64]*Reservation),
	}
}

// Reserve grants a reservation or fails with ErrExhausted when any bucket
// would go negative.
func (p *Pool) Reserve(tokens int64, cost float64) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tokens < 0 || cost < 0 {
		return nil, fmt.Errorf("invalid reservation: tokens=%d cost=%v", tokens, cost)
	}
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return nil, fmt.Errorf("%w: deadline passed", ErrExhausted)
	}
	if tokens > p.remainingTokens {
		return nil, fmt.Errorf("%w: %d tokens requested, %d remaining", ErrExhausted, tokens, p.remainingTokens)
	}
	if p.totalCost > 0 && cost > p.remainingCost {
		return nil, fmt.Errorf("%w: $%.4f requested, $%.4f remaining", ErrExhausted, cost, p.remainingCost)
	}

	p.nextID++
	r := &Reservation{id: p.nextID, Tokens: tokens, CostUSD: cost}
	p.remainingTokens -= tokens
	p.remainingCost -= cost
	p.reservedTokens += tokens
	p.reservedCost += cost
	p.reservations[r.id] = r
	if tokens > p.largestReservation {
		p.largestReservation = tokens
	}
	return r, nil
}

// Release reconciles a reservation with actual usage. Surplus returns to
// the pool; overage is recorded best-effort and marks the pool overrun.
// Releasing twice is a no-op.
func (p *Pool) Release(r *Reservation, actualTokens int64, actualCost float64) {
	if r == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.released {
		return
	}
	r.released = true
	delete(p.reservations, r.id)

	p.reservedTokens -= r.Tokens
	p.reservedCost -= r.CostUSD
	p.usedTokens += actualTokens
	p.usedCost += actualCost

	if surplus := r.Tokens - actualTokens; surplus >= 0 {
		p.remainingTokens += surplus
	} else {
		p.remainingTokens += surplus
		if p.remainingTokens < 0 {
			p.remainingTokens = 0
		}
		p.overrun = true
	}

	if surplus := r.CostUSD - actualCost; surplus >= 0 {
		p.remainingCost += surplus
	} else {
		p.remainingCost += surplus
		if p.remainingCost < 0 {
			p.remainingCost = 0
		}
		p.overrun = true
	}
}

// HasCapacity reports whether further reservations can be granted. False
// once any bucket is empty, the deadline has passed, or an overage was
// recorded.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.overrun {
		return false
	}
	if !p.deadline.IsZero() && time.Now().After(p.deadline) {
		return false
	}
	if p.remainingTokens <= 0 {
		return false
	}
	if p.totalCost > 0 && p.remainingCost <= 0 {
		return false
	}
	return true
}

// GetStats returns a snapshot of the pool.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		TotalTokens:     p.totalTokens,
		RemainingTokens: p.remainingTokens,
		ReservedTokens:  p.reservedTokens,
		UsedTokens:      p.usedTokens,
		TotalCost:       p.totalCost,
		RemainingCost:   p.remainingCost,
		ReservedCost:    p.reservedCost,
		UsedCost:        p.usedCost,
		Deadline:        p.deadline,
	}
	if p.totalTokens > 0 {
		s.Utilization = float64(p.usedTokens) / float64(p.totalTokens)
	}
	return s
}

// ReallocateUnused resizes the remaining token bucket, used by the
// orchestrator to return its own reserve to the workers late in execution.
// Returns the number of tokens added back.
func (p *Pool) ReallocateUnused(nowRemaining int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nowRemaining <= p.remainingTokens {
		return 0
	}
	delta := nowRemaining - p.remainingTokens
	p.remainingTokens = nowRemaining
	p.totalTokens += delta
	return delta
}

// LargestReservation returns the largest single reservation ever granted.
// Used to bound reservation overshoot in tests.
func (p *Pool) LargestReservation() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.largestReservation
}
