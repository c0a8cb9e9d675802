package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-editlock/v1/clock"
)

// ErrCircuitOpen is returned by Publish while the breaker is open.
var ErrCircuitOpen = errors.New("editlock: event bus circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a WatchBus so that a failing broker is skipped
// for a cooldown period instead of being hit on every transition.
type CircuitBreakerBus struct {
	bus       WatchBus
	clock     clock.Clock
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker opens the circuit after threshold consecutive publish
// failures and probes again once timeout has passed.
func NewCircuitBreaker(bus WatchBus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		clock:     clock.Real{},
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// WithClock sets the time source used for the cooldown.
func (cb *CircuitBreakerBus) WithClock(c clock.Clock) *CircuitBreakerBus {
	cb.clock = c
	return cb
}

// IsHealthy returns true if the circuit is closed or due for a probe.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return cb.clock.Now().Sub(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed, moving Open to Half-Open
// once the timeout has passed.
func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock.Now().Sub(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.clock.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements WatchBus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch is passed through; watchers reconnect on their own.
func (cb *CircuitBreakerBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// Unwatch is passed through.
func (cb *CircuitBreakerBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
