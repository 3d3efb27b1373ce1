// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBackend = errors.New("backend down")

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test_trip", 3, 30*time.Second, WithClock(clock))
	ctx := context.Background()

	// 1. Two failures keep it closed.
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())

	// 2. A success resets the streak.
	require.NoError(t, cb.Execute(ctx, ok))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())

	// 3. Third consecutive failure trips.
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test_probe", 1, 10*time.Second, WithClock(clock))
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	// Failed probe re-opens.
	clock.now = clock.now.Add(11 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	// Successful probe closes.
	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test_single", 1, time.Second, WithClock(clock))
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.now = clock.now.Add(2 * time.Second)

	err := cb.Execute(ctx, func(context.Context) error {
		// A concurrent caller is rejected while the probe runs.
		assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FilterAndCancellation(t *testing.T) {
	notInfra := errors.New("remote rejected input")
	cb := NewCircuitBreaker("test_filter", 1, time.Minute,
		WithFailureFilter(func(err error) bool { return !errors.Is(err, notInfra) }))

	ctx := context.Background()
	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return notInfra }), notInfra)
	assert.Equal(t, StateClosed, cb.State())

	cctx, cancel := context.WithCancel(ctx)
	err := cb.Execute(cctx, func(context.Context) error { cancel(); return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(cctx, ok), context.Canceled)
}

func TestCircuitBreaker_ProbeReportsOpenWithoutConsumingCalls(t *testing.T) {
	clock := &mockClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("ledger_probe", 2, time.Minute, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, cb.Probe(ctx))
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Probe(ctx), "one failure stays below threshold")
	_ = cb.Execute(ctx, fail)

	err := cb.Probe(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "ledger_probe")

	snap := cb.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 2, snap.Failures)
	assert.Equal(t, clock.now.Add(time.Minute), snap.RetryAt)

	// Probing does not move the breaker to half-open.
	clock.now = clock.now.Add(2 * time.Minute)
	require.Error(t, cb.Probe(ctx))
	require.NoError(t, cb.Execute(ctx, ok))
	require.NoError(t, cb.Probe(ctx))
	assert.Zero(t, cb.Snapshot().RetryAt)
}
