package oracle

import (
	"sync"
	"time"

	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type breakerEntry struct {
	state       breakerState
	failures    int
	lastFailure time.Time
}

// breaker trips a price source open after threshold consecutive failures and
// lets a single trial request through once openFor has elapsed.
type breaker struct {
	mu        sync.Mutex
	entries   map[string]*breakerEntry
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, openFor time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	return &breaker{
		entries:   make(map[string]*breakerEntry),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

func (b *breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case stateOpen:
		if b.now().Sub(e.lastFailure) >= b.openFor {
			b.transition(e, key, stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return true
}

func (b *breaker) success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == stateHalfOpen {
		b.transition(e, key, stateClosed)
	}
	e.failures = 0
}

func (b *breaker) failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &breakerEntry{state: stateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	if e.state == stateHalfOpen || (e.state == stateClosed && e.failures >= b.threshold) {
		b.transition(e, key, stateOpen)
	}
}

func (b *breaker) state(key string) breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return stateClosed
}

// caller holds b.mu
func (b *breaker) transition(e *breakerEntry, key string, to breakerState) {
	if e.state == to {
		return
	}
	metrics.BreakerTransitions.WithLabelValues(key, e.state.String(), to.String()).Inc()
	e.state = to
}
