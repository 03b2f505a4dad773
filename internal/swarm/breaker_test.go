package swarm

import (
	"testing"
	"time"
)

func TestBreakerOpensOnBurst(t *testing.T) {
	b := NewRateLimitBreaker()

	var opened bool
	b.OnOpen = func(cooldown time.Duration) {
		opened = true
		if cooldown != breakerCooldown {
			t.Errorf("expected %v cooldown, got %v", breakerCooldown, cooldown)
		}
	}

	if b.Open() {
		t.Fatal("fresh breaker should be closed")
	}

	b.OnRateLimit()
	b.OnRateLimit()
	if b.Open() {
		t.Fatal("two rate limits should not trip the breaker")
	}

	b.OnRateLimit()
	if !b.Open() {
		t.Fatal("three rate limits inside the window should open the breaker")
	}
	if !opened {
		t.Error("OnOpen callback did not fire")
	}
}

func TestBreakerSuccessesKeepItClosed(t *testing.T) {
	b := NewRateLimitBreaker()
	for i := 0; i < 10; i++ {
		b.OnSuccess()
	}
	b.OnRateLimit()
	b.OnRateLimit()
	if b.Open() {
		t.Error("successes must not count toward the trip threshold")
	}
}
