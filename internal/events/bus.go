// Package events carries typed orchestrator events to side-effect-only
// observers. Delivery is one-way: observers hold no reference back to the
// orchestrator and may not mutate its state. A panicking observer is
// isolated so it cannot take down the decision loop.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

// The full event vocabulary.
const (
	TaskDispatched Type = "task.dispatched"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskSkipped    Type = "task.skipped"
	TaskResilience Type = "task.resilience"
	TaskAttempt    Type = "task.attempt"

	WaveStart     Type = "wave.start"
	WaveComplete  Type = "wave.complete"
	WaveAllFailed Type = "wave.allFailed"

	QualityRejected Type = "quality.rejected"
	ModelHealth     Type = "model.health"
	ModelFailover   Type = "model.failover"
	BudgetUpdate    Type = "budget.update"

	CircuitOpen   Type = "circuit.open"
	CircuitClosed Type = "circuit.closed"

	OrchestratorDecision Type = "orchestrator.decision"
	OrchestratorLLM      Type = "orchestrator.llm"

	PlanComplete   Type = "plan.complete"
	ReviewStart    Type = "review.start"
	ReviewComplete Type = "review.complete"
	VerifyStart    Type = "verify.start"
	VerifyStep     Type = "verify.step"
	VerifyComplete Type = "verify.complete"

	StateCheckpoint Type = "state.checkpoint"
	StateResume     Type = "state.resume"

	Stall    Type = "stall"
	Replan   Type = "replan"
	Complete Type = "complete"
	Error    Type = "error"
)

// Event is one emitted occurrence. Payload is a small typed struct from
// payloads.go (or nil for marker events).
type Event struct {
	Type    Type
	At      time.Time
	Payload any
}

// Observer receives events. Implementations must be side-effect-only.
type Observer interface {
	HandleEvent(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// HandleEvent implements Observer.
func (f ObserverFunc) HandleEvent(e Event) { f(e) }

// Bus fans events out to subscribers. Emit never blocks on a panicking
// observer; each delivery is recovered independently.
type Bus struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer for all subsequent events.
func (b *Bus) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Emit delivers an event to every observer in subscription order.
func (b *Bus) Emit(t Type, payload any) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()

	e := Event{Type: t, At: time.Now(), Payload: payload}
	for _, o := range observers {
		deliver(o, e)
	}
}

func deliver(o Observer, e Event) {
	defer func() {
		_ = recover() // a broken observer must not stop the swarm
	}()
	o.HandleEvent(e)
}
