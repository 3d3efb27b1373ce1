// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
	"slices"
)

// Segment is one bounded slice of the source. BlobRef is a workspace path
// and is cleared once the job is terminal.
type Segment struct {
	Index              int     `json:"index"`
	StartOffsetSeconds float64 `json:"startOffsetSeconds"`
	DurationSeconds    float64 `json:"durationSeconds"`
	BlobRef            string  `json:"blobRef,omitempty"`
}

// RemoteResult is the stage-specific payload of a completed remote job.
type RemoteResult struct {
	Text       string   `json:"text,omitempty"`
	CaptionRef string   `json:"captionRef,omitempty"`
	AudioRef   string   `json:"audioRef,omitempty"`
	VideoRefs  []string `json:"videoRefs,omitempty"`
}

func (r *RemoteResult) clone() *RemoteResult {
	if r == nil {
		return nil
	}
	out := *r
	out.VideoRefs = slices.Clone(r.VideoRefs)
	return &out
}

// RemoteJob tracks one delegated AI stage.
type RemoteJob struct {
	Kind            StageKind     `json:"kind"`
	Status          RemoteStatus  `json:"status"`
	ExternalJobID   string        `json:"externalJobId,omitempty"`
	ResultRef       *RemoteResult `json:"resultRef,omitempty"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`
	Attempts        int           `json:"attempts"`
	SubmittedAtUnix int64         `json:"submittedAtUnix,omitempty"`
	FinishedAtUnix  int64         `json:"finishedAtUnix,omitempty"`
}

// StageOutcome is the per-stage terminal verdict used for settlement.
type StageOutcome string

const (
	OutcomeSucceeded StageOutcome = "SUCCEEDED"
	OutcomeFailed    StageOutcome = "FAILED"
)

type StageResult struct {
	Kind    StageKind    `json:"kind"`
	Outcome StageOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// MediaJob is the root aggregate of one pipeline run.
//
// Invariants: CostCharged <= CostEstimate; CostCharged is written once by
// settlement; OutputRef is set iff Status is Completed or PartiallyCompleted.
type MediaJob struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	SourceMode      SourceMode      `json:"sourceMode"`
	SourceRef       string          `json:"sourceRef"`
	SelectedStages  []Stage         `json:"selectedStages"`
	Status          JobStatus       `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	DurationSeconds float64         `json:"durationSeconds"`
	SizeBytes       int64           `json:"sizeBytes"`
	Segments        []Segment       `json:"segments,omitempty"`
	RemoteJobs      []RemoteJob     `json:"remoteJobs,omitempty"`
	StageResults    []StageResult   `json:"stageResults,omitempty"`
	CostEstimate    int64           `json:"costEstimate"`
	CostCharged     int64           `json:"costCharged"`
	Settlement      SettlementState `json:"settlement"`
	OutputRef       string          `json:"outputRef,omitempty"`
	LastError       *ErrorInfo      `json:"lastError,omitempty"`
	CreatedAtUnix   int64           `json:"createdAtUnix"`
	UpdatedAtUnix   int64           `json:"updatedAtUnix"`
	FinishedAtUnix  int64           `json:"finishedAtUnix,omitempty"`
}

// Clone returns a deep copy. Stage params are immutable after admission
// and are shared.
func (j *MediaJob) Clone() *MediaJob {
	if j == nil {
		return nil
	}
	out := *j
	out.SelectedStages = slices.Clone(j.SelectedStages)
	out.Segments = slices.Clone(j.Segments)
	out.StageResults = slices.Clone(j.StageResults)
	if j.RemoteJobs != nil {
		out.RemoteJobs = make([]RemoteJob, len(j.RemoteJobs))
		for i, rj := range j.RemoteJobs {
			rj.ResultRef = rj.ResultRef.clone()
			out.RemoteJobs[i] = rj
		}
	}
	if j.LastError != nil {
		le := *j.LastError
		out.LastError = &le
	}
	return &out
}

// Kinds returns the selected stage kinds in canonical order.
func (j *MediaJob) Kinds() []StageKind {
	return orderedKinds(j.SelectedStages)
}

// HasStage reports whether k was selected.
func (j *MediaJob) HasStage(k StageKind) bool {
	return slices.ContainsFunc(j.SelectedStages, func(s Stage) bool { return s.Kind == k })
}

// RemoteJob returns the tracked remote job of kind k.
func (j *MediaJob) RemoteJob(k StageKind) *RemoteJob {
	for i := range j.RemoteJobs {
		if j.RemoteJobs[i].Kind == k {
			return &j.RemoteJobs[i]
		}
	}
	return nil
}

// PutRemoteJob inserts or replaces the remote job of rj.Kind.
func (j *MediaJob) PutRemoteJob(rj RemoteJob) {
	if cur := j.RemoteJob(rj.Kind); cur != nil {
		*cur = rj
		return
	}
	j.RemoteJobs = append(j.RemoteJobs, rj)
}

// RecordStage sets the outcome of k, replacing an earlier verdict.
func (j *MediaJob) RecordStage(k StageKind, outcome StageOutcome, err error) {
	res := StageResult{Kind: k, Outcome: outcome}
	if err != nil {
		res.Error = err.Error()
	}
	for i := range j.StageResults {
		if j.StageResults[i].Kind == k {
			j.StageResults[i] = res
			return
		}
	}
	j.StageResults = append(j.StageResults, res)
}

// CompletedStages returns the kinds that reached a successful terminal
// state, in canonical order.
func (j *MediaJob) CompletedStages() []StageKind {
	ok := make(map[StageKind]bool, len(j.StageResults))
	for _, r := range j.StageResults {
		if r.Outcome == OutcomeSucceeded {
			ok[r.Kind] = true
		}
	}
	out := make([]StageKind, 0, len(ok))
	for _, k := range j.Kinds() {
		if ok[k] {
			out = append(out, k)
		}
	}
	return out
}

// AnyStageFailed reports whether a selected stage ended without success.
func (j *MediaJob) AnyStageFailed() bool {
	for _, r := range j.StageResults {
		if r.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// CheckInvariants validates the aggregate invariants of a record.
func (j *MediaJob) CheckInvariants() error {
	var errs []error
	if j.CostCharged < 0 || j.CostCharged > j.CostEstimate {
		errs = append(errs, fmt.Errorf("costCharged %d outside [0,%d]", j.CostCharged, j.CostEstimate))
	}
	if j.ProgressPercent < 0 || j.ProgressPercent > 100 {
		errs = append(errs, fmt.Errorf("progress %d outside [0,100]", j.ProgressPercent))
	}
	if j.Status.IsTerminal() && j.Status.HasArtifact() != (j.OutputRef != "") {
		errs = append(errs, fmt.Errorf("status %s with outputRef %q", j.Status, j.OutputRef))
	}
	if !j.Status.IsTerminal() && j.OutputRef != "" {
		errs = append(errs, fmt.Errorf("non-terminal status %s with outputRef", j.Status))
	}
	return errors.Join(errs...)
}
