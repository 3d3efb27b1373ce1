// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resilience guards calls to external dependencies (remote
// processing service, credit ledger, media fetches).
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/metrics"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string
	State    State
	Failures int
	// RetryAt is when an open breaker admits its next probe.
	RetryAt time.Time
}

// CircuitBreaker opens after Threshold consecutive counted failures. While
// open it rejects calls until the cool-down passes, then admits one probe
// whose outcome closes or re-opens it.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	counts    func(error) bool
	clock     clock

	mu       sync.Mutex
	state    State
	failures int
	retryAt  time.Time
	inFlight bool
}

type Option func(*CircuitBreaker)

func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithFailureFilter selects which errors count as failures. Errors it
// rejects count as successes; cancellation is never counted either way.
func WithFailureFilter(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.counts = fn }
}

// NewCircuitBreaker returns a closed breaker. Non-positive threshold and
// cooldown fall back to 5 and 30s.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: max(threshold, 0),
		cooldown:  cooldown,
		counts:    func(err error) bool { return err != nil },
		clock:     realClock{},
		state:     StateClosed,
	}
	if cb.threshold == 0 {
		cb.threshold = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	for _, o := range opts {
		o(cb)
	}
	metrics.SetBreakerState(name, string(StateClosed))
	return cb
}

// Execute runs fn unless the breaker rejects the call with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		cb.abandon(probe)
	case err != nil && cb.counts(err):
		cb.fail(probe)
	default:
		cb.succeed()
	}
	return err
}

// admit reports whether the call is the half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateClosed {
		return false, nil
	}
	if cb.state == StateOpen {
		if cb.clock.Now().Before(cb.retryAt) {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}
	if cb.inFlight {
		return false, ErrCircuitOpen
	}
	cb.inFlight = true
	return true, nil
}

func (cb *CircuitBreaker) abandon(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	cb.inFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) fail(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case probe || cb.state == StateHalfOpen:
		cb.inFlight = false
		cb.trip("half_open_failure")
	case cb.state == StateClosed && cb.failures >= cb.threshold:
		cb.trip("threshold_exceeded")
	}
}

func (cb *CircuitBreaker) succeed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.inFlight = false
	cb.setState(StateClosed)
}

// trip opens the breaker. Caller holds mu.
func (cb *CircuitBreaker) trip(reason string) {
	metrics.RecordBreakerTrip(cb.name, reason)
	cb.retryAt = cb.clock.Now().Add(cb.cooldown)
	cb.setState(StateOpen)
}

// setState publishes a change to the state gauge. Caller holds mu.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state != s {
		cb.state = s
		metrics.SetBreakerState(cb.name, string(s))
	}
}

func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{Name: cb.name, State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		s.RetryAt = cb.retryAt
	}
	return s
}

// Probe fails while the breaker is open. It fits a readiness checker and
// never admits or consumes a call.
func (cb *CircuitBreaker) Probe(context.Context) error {
	s := cb.Snapshot()
	if s.State != StateOpen {
		return nil
	}
	return fmt.Errorf("%s: %w until %s after %d failures", s.Name, ErrCircuitOpen, s.RetryAt.Format(time.RFC3339), s.Failures)
}
