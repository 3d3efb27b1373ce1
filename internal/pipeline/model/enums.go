// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

// JobStatus is the client-visible lifecycle of a MediaJob.
// Keep these stable: metrics, API clients and the store depend on them.
type JobStatus string

const (
	JobCreated            JobStatus = "CREATED"
	JobAcquiring          JobStatus = "ACQUIRING"
	JobSegmenting         JobStatus = "SEGMENTING"
	JobLocalProcessing    JobStatus = "LOCAL_PROCESSING"
	JobRemotePending      JobStatus = "REMOTE_PENDING"
	JobComposing          JobStatus = "COMPOSING"
	JobUploading          JobStatus = "UPLOADING"
	JobCompleted          JobStatus = "COMPLETED"
	JobFailed             JobStatus = "FAILED"
	JobPartiallyCompleted JobStatus = "PARTIALLY_COMPLETED"
)

// IsTerminal returns true if no further transition can occur.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartiallyCompleted:
		return true
	}
	return false
}

// HasArtifact reports whether a job in this status carries an outputRef.
func (s JobStatus) HasArtifact() bool {
	return s == JobCompleted || s == JobPartiallyCompleted
}

// SourceMode selects how the Acquirer obtains the source blob.
type SourceMode string

const (
	SourceRemoteURL    SourceMode = "REMOTE_URL"
	SourceDirectUpload SourceMode = "DIRECT_UPLOAD"
)

// Valid reports whether m is a supported source mode.
func (m SourceMode) Valid() bool {
	return m == SourceRemoteURL || m == SourceDirectUpload
}

// RemoteStatus is the lifecycle of one delegated AI stage.
type RemoteStatus string

const (
	RemoteSubmitted  RemoteStatus = "SUBMITTED"
	RemoteProcessing RemoteStatus = "PROCESSING"
	RemoteCompleted  RemoteStatus = "COMPLETED"
	RemoteFailed     RemoteStatus = "FAILED"
	RemoteTimedOut   RemoteStatus = "TIMED_OUT"
)

// IsTerminal returns true for Completed, Failed and TimedOut.
func (s RemoteStatus) IsTerminal() bool {
	switch s {
	case RemoteCompleted, RemoteFailed, RemoteTimedOut:
		return true
	}
	return false
}

// SettlementState tracks the single ledger debit of a job.
type SettlementState string

const (
	SettlementPending      SettlementState = "PENDING"
	SettlementSettled      SettlementState = "SETTLED"
	SettlementInconsistent SettlementState = "INCONSISTENT"
)
