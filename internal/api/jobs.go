// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/go-chi/chi/v5"
)

const maxSpecBytes = 64 << 10

type submitRequest struct {
	SourceMode model.SourceMode `json:"sourceMode"`
	SourceRef  string           `json:"sourceRef"`
	Stages     []model.Stage    `json:"stages"`
}

type submitResponse struct {
	ID     string          `json:"id"`
	Status model.JobStatus `json:"status"`
}

type segmentView struct {
	Index              int     `json:"index"`
	StartOffsetSeconds float64 `json:"startOffsetSeconds"`
	DurationSeconds    float64 `json:"durationSeconds"`
}

// jobView is the public snapshot of a job. Workspace paths stay internal.
type jobView struct {
	ID              string                `json:"id"`
	SourceMode      model.SourceMode      `json:"sourceMode"`
	SelectedStages  []model.Stage         `json:"selectedStages"`
	Status          model.JobStatus       `json:"status"`
	ProgressPercent int                   `json:"progressPercent"`
	DurationSeconds float64               `json:"durationSeconds"`
	Segments        []segmentView         `json:"segments,omitempty"`
	RemoteJobs      []model.RemoteJob     `json:"remoteJobs,omitempty"`
	StageResults    []model.StageResult   `json:"stageResults,omitempty"`
	CostEstimate    int64                 `json:"costEstimate"`
	CostCharged     int64                 `json:"costCharged"`
	Settlement      model.SettlementState `json:"settlement"`
	OutputRef       string                `json:"outputRef,omitempty"`
	LastError       *model.ErrorInfo      `json:"lastError,omitempty"`
	CreatedAtUnix   int64                 `json:"createdAtUnix"`
	UpdatedAtUnix   int64                 `json:"updatedAtUnix"`
	FinishedAtUnix  int64                 `json:"finishedAtUnix,omitempty"`
}

func newJobView(j *model.MediaJob) jobView {
	v := jobView{
		ID:              j.ID,
		SourceMode:      j.SourceMode,
		SelectedStages:  j.SelectedStages,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		DurationSeconds: j.DurationSeconds,
		RemoteJobs:      j.RemoteJobs,
		StageResults:    j.StageResults,
		CostEstimate:    j.CostEstimate,
		CostCharged:     j.CostCharged,
		Settlement:      j.Settlement,
		OutputRef:       j.OutputRef,
		LastError:       j.LastError,
		CreatedAtUnix:   j.CreatedAtUnix,
		UpdatedAtUnix:   j.UpdatedAtUnix,
		FinishedAtUnix:  j.FinishedAtUnix,
	}
	for _, s := range j.Segments {
		v.Segments = append(v.Segments, segmentView{
			Index:              s.Index,
			StartOffsetSeconds: s.StartOffsetSeconds,
			DurationSeconds:    s.DurationSeconds,
		})
	}
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), "invalid job spec: "+err.Error(), nil)
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), "trailing data after job spec", nil)
		return
	}

	spec := model.JobSpec{
		UserID:     r.Header.Get(HeaderUserID),
		SourceMode: req.SourceMode,
		SourceRef:  req.SourceRef,
		Stages:     req.Stages,
	}
	id, err := s.jobs.Submit(r.Context(), spec)
	if err != nil {
		if id != "" {
			// The failure is recorded on the job; point the caller at it.
			w.Header().Set("Location", "/api/v1/jobs/"+id)
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: model.JobCreated})
}

// ownedJob loads job id and hides jobs of other users behind a 404.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*model.MediaJob, bool) {
	id := chi.URLParam(r, "id")
	j, err := s.jobs.GetStatus(r.Context(), id)
	if err == nil && j.UserID != r.Header.Get(HeaderUserID) {
		err = model.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return j, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Cancel(r.Context(), j.ID); err != nil {
		writeError(w, r, err)
		return
	}
	lg := log.WithComponentFromContext(r.Context(), "api")
	lg.Info().
		Str(log.FieldJobID, j.ID).
		Str(log.FieldUserID, j.UserID).
		Str("event", "job.cancel").
		Msg("cancel accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dur, err := strconv.ParseFloat(q.Get("durationSeconds"), 64)
	if err != nil || dur <= 0 {
		writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), "durationSeconds must be a positive number", nil)
		return
	}
	var kinds []model.StageKind
	seen := make(map[model.StageKind]bool)
	for _, raw := range strings.Split(q.Get("stages"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		k, err := model.ParseStageKind(raw)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, string(model.CodeValidation), err.Error(), nil)
			return
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	writeJSON(w, http.StatusOK, s.quoter.Quote(kinds, dur))
}
