// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsActive is the number of pipeline runs currently executing.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaforge_jobs_active",
		Help: "Pipeline runs currently executing",
	})

	JobsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_jobs_admitted_total",
		Help: "Job submissions by admission result",
	}, []string{"result"}) // accepted, validation, acquisition, insufficient_balance, error

	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_jobs_terminal_total",
		Help: "Jobs reaching a terminal status",
	}, []string{"status", "reason"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaforge_job_duration_seconds",
		Help:    "Wall-clock duration from admission to terminal status",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
	}, []string{"status"})

	StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_stage_outcomes_total",
		Help: "Stage verdicts by kind and outcome",
	}, []string{"kind", "outcome"})

	RemotePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_remote_polls_total",
		Help: "Remote status polls by stage kind and observed status",
	}, []string{"kind", "status"})

	RemoteStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaforge_remote_stage_duration_seconds",
		Help:    "Time from remote submission to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind", "status"})

	EngineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaforge_engine_duration_seconds",
		Help:    "Local transcoding engine call duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 12), // 50ms to ~100s
	}, []string{"op", "result"})

	EngineRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_engine_rejections_total",
		Help: "Engine inputs rejected before loading",
	}, []string{"reason"})

	AcquisitionBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_acquisition_bytes_total",
		Help: "Bytes of source media acquired",
	}, []string{"mode"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_settlements_total",
		Help: "Settlement attempts by result",
	}, []string{"result"}) // settled, zero, replay, inconsistent

	CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediaforge_credits_charged_total",
		Help: "Credits debited from user balances",
	})

	SettlementsInconsistent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediaforge_settlements_inconsistent",
		Help: "Jobs with an artifact whose debit has not succeeded yet",
	})

	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_cache_ops_total",
		Help: "Cache lookups by cache name and result",
	}, []string{"cache", "result"}) // hit, miss, evict

	ArtifactUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_artifact_uploads_total",
		Help: "Artifact store uploads by backend and result",
	}, []string{"backend", "result"})
)

// RecordJobTerminal counts a terminal transition and its duration.
func RecordJobTerminal(status, reason string, seconds float64) {
	if reason == "" {
		reason = "none"
	}
	JobsTerminal.WithLabelValues(status, reason).Inc()
	JobDuration.WithLabelValues(status).Observe(seconds)
}

// RecordStageOutcome counts one stage verdict.
func RecordStageOutcome(kind, outcome string) {
	StageOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheResult counts a cache hit, miss or eviction.
func RecordCacheResult(cache, result string) {
	CacheOps.WithLabelValues(cache, result).Inc()
}

// ProcSignals counts signals sent to transcoder process groups.
var ProcSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mediaforge_proc_signals_total",
	Help: "Signals sent to transcoder process groups by result",
}, []string{"signal", "result"})
