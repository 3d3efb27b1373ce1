// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package billing prices jobs and settles them against the ledger.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/config"
	"github.com/ManuGH/mediaforge/internal/ledger"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/store"
	"github.com/ManuGH/mediaforge/internal/telemetry"
)

// Tariff supplies the current pricing table. *config.Holder implements it.
type Tariff interface {
	Pricing() config.PricingConfig
}

// FixedTariff is a Tariff that never changes.
type FixedTariff config.PricingConfig

func (t FixedTariff) Pricing() config.PricingConfig { return config.PricingConfig(t).Clone() }

// Quote is an itemized price.
type Quote struct {
	Base   int64                     `json:"base"`
	Stages map[model.StageKind]int64 `json:"stages"`
	Total  int64                     `json:"total"`
}

// Price computes the cost of running kinds over a source of the given
// duration: the base rate per started second plus, per stage, a flat amount
// and an amount per started minute.
func Price(p config.PricingConfig, kinds []model.StageKind, durationSeconds float64) Quote {
	secs := startedUnits(durationSeconds, 1)
	mins := startedUnits(durationSeconds, 60)

	q := Quote{Base: p.BasePerSecond * secs, Stages: make(map[model.StageKind]int64, len(kinds))}
	q.Total = q.Base
	for _, k := range kinds {
		if _, dup := q.Stages[k]; dup {
			continue
		}
		sp := p.Stages[k]
		c := sp.Flat + sp.PerMinute*mins
		q.Stages[k] = c
		q.Total += c
	}
	return q
}

func startedUnits(d, unit float64) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d / unit))
}

// Meter estimates and settles job costs. Settle debits a job at most once.
type Meter struct {
	tariff Tariff
	ledger ledger.Ledger
	store  store.StateStore
	locks  keyedMutex
	now    func() time.Time
}

// NewMeter creates a Meter.
func NewMeter(t Tariff, l ledger.Ledger, s store.StateStore) *Meter {
	return &Meter{tariff: t, ledger: l, store: s, locks: keyedMutex{m: make(map[string]*lockEntry)}, now: time.Now}
}

// Estimate returns the quoted cost of kinds at the current tariff.
func (m *Meter) Estimate(kinds []model.StageKind, durationSeconds float64) int64 {
	return m.Quote(kinds, durationSeconds).Total
}

// Quote returns the itemized estimate.
func (m *Meter) Quote(kinds []model.StageKind, durationSeconds float64) Quote {
	return Price(m.tariff.Pricing(), kinds, durationSeconds)
}

// CheckBalance fails with INSUFFICIENT_BALANCE when userID cannot fund amount.
func (m *Meter) CheckBalance(ctx context.Context, userID string, amount int64) error {
	bal, err := m.ledger.GetBalance(ctx, userID)
	if err != nil {
		return model.WrapError(model.CodeInternal, "balance", err)
	}
	if bal < amount {
		return model.NewError(model.CodeInsufficientBalance, "admission",
			"balance %d does not cover estimate %d", bal, amount)
	}
	return nil
}

// Settle charges a terminal job for its completed stages and returns the
// charged amount. The debit happens at most once: replays return the
// settled amount, and a job left INCONSISTENT by a failed debit retries the
// same amount under the same idempotency reason. Failed jobs are charged
// nothing.
func (m *Meter) Settle(ctx context.Context, jobID string, completed []model.StageKind) (int64, error) {
	unlock := m.locks.lock(jobID)
	defer unlock()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if !job.Status.IsTerminal() {
		return 0, model.NewError(model.CodeInternal, "settle", "job %s is %s", jobID, job.Status)
	}
	if job.Settlement == model.SettlementSettled {
		metrics.Settlements.WithLabelValues("replay").Inc()
		return job.CostCharged, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "billing.settle")
	logger := log.WithComponentFromContext(ctx, "billing").With().Str(log.FieldJobID, jobID).Logger()

	amount := job.CostCharged
	retry := job.Settlement == model.SettlementInconsistent
	if !retry {
		amount = m.charge(job, completed)
	}
	span.SetAttributes(telemetry.SettlementAttributes(string(job.Status), job.CostEstimate, amount)...)

	if amount == 0 {
		_, err := m.store.UpdateJob(ctx, jobID, func(j *model.MediaJob) error {
			j.CostCharged = 0
			j.Settlement = model.SettlementSettled
			j.UpdatedAtUnix = m.now().Unix()
			return nil
		})
		if err != nil {
			telemetry.End(span, err)
			return 0, err
		}
		if retry {
			metrics.SettlementsInconsistent.Dec()
		}
		metrics.Settlements.WithLabelValues("zero").Inc()
		telemetry.End(span, nil)
		return 0, nil
	}

	res, derr := m.ledger.Debit(ctx, job.UserID, amount, jobID)
	if derr == nil && !res.Success {
		derr = fmt.Errorf("ledger declined debit of %d (balance %d)", amount, res.NewBalance)
	}
	if derr != nil {
		serr := model.WrapError(model.CodeSettlementInconsistency, "settle", derr)
		_, uerr := m.store.UpdateJob(ctx, jobID, func(j *model.MediaJob) error {
			j.CostCharged = amount
			j.Settlement = model.SettlementInconsistent
			j.LastError = model.NewErrorInfo(serr, m.now())
			j.UpdatedAtUnix = m.now().Unix()
			return nil
		})
		if !retry {
			metrics.SettlementsInconsistent.Inc()
		}
		metrics.Settlements.WithLabelValues("inconsistent").Inc()
		logger.Error().Err(derr).
			Str("event", "settlement.inconsistent").
			Str(log.FieldUserID, job.UserID).
			Int64("amount", amount).
			Bool("retry", retry).
			Msg("debit failed for job with artifact")
		telemetry.End(span, serr)
		return 0, errors.Join(serr, uerr)
	}

	_, err = m.store.UpdateJob(ctx, jobID, func(j *model.MediaJob) error {
		j.CostCharged = amount
		j.Settlement = model.SettlementSettled
		j.UpdatedAtUnix = m.now().Unix()
		return nil
	})
	if err != nil {
		// The ledger holds the debit under jobID; a later Settle replays it.
		telemetry.End(span, err)
		return 0, err
	}
	if retry {
		metrics.SettlementsInconsistent.Dec()
	}
	metrics.Settlements.WithLabelValues("settled").Inc()
	metrics.CreditsCharged.Add(float64(amount))
	logger.Info().
		Str("event", "settlement.settled").
		Str(log.FieldUserID, job.UserID).
		Int64("amount", amount).
		Int64("estimate", job.CostEstimate).
		Int64("balance", res.NewBalance).
		Msg("job settled")
	telemetry.End(span, nil)
	return amount, nil
}

// charge prices the completed subset of the job's stages, capped at the
// quoted estimate.
func (m *Meter) charge(job *model.MediaJob, completed []model.StageKind) int64 {
	if !job.Status.HasArtifact() {
		return 0
	}
	var kinds []model.StageKind
	for _, k := range completed {
		if job.HasStage(k) {
			kinds = append(kinds, k)
		}
	}
	amount := Price(m.tariff.Pricing(), kinds, job.DurationSeconds).Total
	return min(amount, job.CostEstimate)
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e := k.m[key]
	if e == nil {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
