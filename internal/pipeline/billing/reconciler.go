// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package billing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/store"
)

const maxReconcileBackoff = 30 * time.Minute

// Reconciler retries debits of jobs left INCONSISTENT. Each job backs off
// exponentially between attempts.
type Reconciler struct {
	meter    *Meter
	store    store.StateStore
	interval time.Duration
	busy     atomic.Bool
	now      func() time.Time

	// next holds the earliest retry time per job. Only the loop touches it.
	next    map[string]time.Time
	backoff map[string]time.Duration
}

// NewReconciler creates a Reconciler that scans every interval.
func NewReconciler(m *Meter, s store.StateStore, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		meter:    m,
		store:    s,
		interval: interval,
		now:      time.Now,
		next:     make(map[string]time.Time),
		backoff:  make(map[string]time.Duration),
	}
}

// Run blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger := log.WithComponent("reconciler")
	logger.Info().Dur("interval", r.interval).Msg("settlement reconciler started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("settlement reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if !r.busy.CompareAndSwap(false, true) {
				continue
			}
			_, _ = r.RunOnce(ctx)
			r.busy.Store(false)
		}
	}
}

// RunOnce retries every due INCONSISTENT job and returns how many settled.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	logger := log.WithComponentFromContext(ctx, "reconciler")
	jobs, err := r.store.ListJobs(ctx, store.JobFilter{Settlements: []model.SettlementState{model.SettlementInconsistent}})
	if err != nil {
		logger.Error().Err(err).Msg("list inconsistent settlements")
		return 0, err
	}

	now := r.now()
	settled := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if due, ok := r.next[j.ID]; ok && now.Before(due) {
			continue
		}
		if _, err := r.meter.Settle(ctx, j.ID, j.CompletedStages()); err != nil {
			d := r.backoff[j.ID]
			d = min(max(2*d, r.interval), maxReconcileBackoff)
			r.backoff[j.ID] = d
			r.next[j.ID] = now.Add(d)
			logger.Error().Err(err).
				Str(log.FieldJobID, j.ID).
				Dur("retry_in", d).
				Msg("settlement retry failed")
			continue
		}
		delete(r.next, j.ID)
		delete(r.backoff, j.ID)
		settled++
		logger.Info().Str(log.FieldJobID, j.ID).Msg("inconsistent settlement resolved")
	}
	return settled, nil
}
