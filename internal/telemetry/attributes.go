// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by pipeline spans.
const (
	JobIDKey          = "job.id"
	JobStatusKey      = "job.status"
	JobStagesKey      = "job.stages"
	SourceModeKey     = "source.mode"
	SourceBytesKey    = "source.bytes"
	SourceSecondsKey  = "source.duration_s"
	StageKindKey      = "stage.kind"
	StageOutcomeKey   = "stage.outcome"
	SegmentCountKey   = "segment.count"
	SegmentIndexKey   = "segment.index"
	RemoteJobIDKey    = "remote.external_job_id"
	RemoteAttemptsKey = "remote.attempts"
	CostEstimateKey   = "cost.estimate"
	CostChargedKey    = "cost.charged"
)

// JobAttributes describes a job at admission.
func JobAttributes(jobID, mode string, stages []string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(SourceModeKey, mode),
		attribute.StringSlice(JobStagesKey, stages),
	}
}

// StageAttributes describes one stage execution.
func StageAttributes(jobID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(StageKindKey, kind),
	}
}

// SourceAttributes describes acquired media.
func SourceAttributes(sizeBytes int64, durationSeconds float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(SourceBytesKey, sizeBytes),
		attribute.Float64(SourceSecondsKey, durationSeconds),
	}
}

// SettlementAttributes describes the final charge of a job.
func SettlementAttributes(status string, estimate, charged int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobStatusKey, status),
		attribute.Int64(CostEstimateKey, estimate),
		attribute.Int64(CostChargedKey, charged),
	}
}
