package tracker

import (
	"sync"
	"time"
)

const (
	circuitThreshold   = 5
	circuitResetWindow = 10 * time.Minute
)

// circuitState tracks consecutive failures for one replicated instance
// (a proxy endpoint, historically a Piped/Invidious mirror). Lives only in
// memory.
type circuitState struct {
	failures      int
	lastFailureAt time.Time
	open          bool
}

type circuitBreaker struct {
	mu       sync.Mutex
	circuits map[string]*circuitState
	now      func() time.Time
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		circuits: make(map[string]*circuitState),
		now:      time.Now,
	}
}

func circuitKey(statType, id string) string {
	return statType + "|" + id
}

// isAvailable reports whether the instance may be tried. An open circuit
// auto-closes once the reset window has elapsed.
func (b *circuitBreaker) isAvailable(statType, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[circuitKey(statType, id)]
	if !ok || !c.open {
		return true
	}
	if b.now().Sub(c.lastFailureAt) > circuitResetWindow {
		c.open = false
		c.failures = 0
		return true
	}
	return false
}

// recordFailure bumps the consecutive-failure count and opens the circuit
// at the threshold.
func (b *circuitBreaker) recordFailure(statType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := circuitKey(statType, id)
	c, ok := b.circuits[key]
	if !ok {
		c = &circuitState{}
		b.circuits[key] = c
	}
	c.failures++
	c.lastFailureAt = b.now()
	if c.failures >= circuitThreshold {
		c.open = true
	}
}

// reset closes the circuit immediately. Called on any recorded success.
func (b *circuitBreaker) reset(statType, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[circuitKey(statType, id)]; ok {
		c.failures = 0
		c.open = false
	}
}

// snapshot returns open circuits for the stats endpoint.
func (b *circuitBreaker) snapshot() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]bool, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = c.open
	}
	return out
}
