package main

import (
	"sync"
	"time"

	"github.com/itskum47/FleetRoll/control_plane/observability"
)

type breakerState int

const (
	breakerClosed   breakerState = iota // deliveries flow
	breakerHalfOpen                     // probing agents again
	breakerOpen                         // deliveries rejected
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half_open"
	case breakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// deliveryBreaker stops the dispatcher from hammering agents that are all
// failing, e.g. after a network partition or a wrong agent port. It opens
// after failureThreshold consecutive failures and lets trialLimit deliveries
// through once the cooldown has passed.
type deliveryBreaker struct {
	mu    sync.Mutex
	state breakerState

	failureThreshold int
	cooldown         time.Duration
	trialLimit       int

	failures int
	trials   int
	openedAt time.Time
	now      func() time.Time
}

func newDeliveryBreaker(failureThreshold int, cooldown time.Duration) *deliveryBreaker {
	return &deliveryBreaker{
		state:            breakerClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		trialLimit:       3,
		now:              time.Now,
	}
}

// Allow reports whether a delivery may be attempted now.
func (b *deliveryBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.setState(breakerHalfOpen)
		b.trials = 0
	}

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		if b.trials < b.trialLimit {
			b.trials++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *deliveryBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == breakerHalfOpen {
		b.setState(breakerClosed)
	}
}

func (b *deliveryBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.open()
	case breakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}
}

func (b *deliveryBreaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *deliveryBreaker) open() {
	b.setState(breakerOpen)
	b.openedAt = b.now()
	b.failures = 0
	b.trials = 0
}

func (b *deliveryBreaker) setState(s breakerState) {
	b.state = s
	observability.DispatchBreakerState.Set(float64(s))
}
