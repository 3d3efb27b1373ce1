// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"fmt"
	"strings"
)

// JobSpec is the admission request for one pipeline run.
// UserID is the pre-validated caller identity from the auth gateway.
type JobSpec struct {
	UserID     string     `json:"userId"`
	SourceMode SourceMode `json:"sourceMode"`
	SourceRef  string     `json:"sourceRef"`
	Stages     []Stage    `json:"stages"`
}

// Validate checks the request shape. Duration limits are checked after
// acquisition because they need probed metadata.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return NewError(CodeValidation, "validate", "userId is required")
	}
	if !s.SourceMode.Valid() {
		return NewError(CodeValidation, "validate", "unsupported sourceMode %q", s.SourceMode)
	}
	if strings.TrimSpace(s.SourceRef) == "" {
		return NewError(CodeValidation, "validate", "sourceRef is required")
	}
	if s.SourceMode == SourceRemoteURL {
		if err := validateURL("sourceRef", s.SourceRef); err != nil {
			return WrapError(CodeValidation, "validate", err)
		}
	}

	seen := make(map[StageKind]bool, len(s.Stages))
	for i := range s.Stages {
		st := &s.Stages[i]
		if !st.Kind.Valid() {
			return NewError(CodeValidation, "validate", "stage %d: unsupported kind %q", i, st.Kind)
		}
		if seen[st.Kind] {
			return NewError(CodeValidation, "validate", "stage %s selected twice", st.Kind)
		}
		seen[st.Kind] = true

		if st.Params == nil {
			p, err := newParams(st.Kind)
			if err != nil {
				return WrapError(CodeValidation, "validate", err)
			}
			st.Params = p
		}
		if st.Params.Kind() != st.Kind {
			return NewError(CodeValidation, "validate", "stage %s carries %s params", st.Kind, st.Params.Kind())
		}
		if err := st.Params.Validate(); err != nil {
			return &Error{Code: CodeValidation, Stage: st.Kind, Op: "validate", Err: err}
		}
	}
	if seen[StageTextToSpeech] && !seen[StageSubtitles] {
		return NewError(CodeValidation, "validate", "%s requires %s", StageTextToSpeech, StageSubtitles)
	}
	return nil
}

// Kinds returns the selected kinds in canonical execution order.
func (s *JobSpec) Kinds() []StageKind {
	return orderedKinds(s.Stages)
}

func orderedKinds(stages []Stage) []StageKind {
	sel := make(map[StageKind]bool, len(stages))
	for _, st := range stages {
		sel[st.Kind] = true
	}
	out := make([]StageKind, 0, len(stages))
	for _, k := range AllStageKinds {
		if sel[k] {
			out = append(out, k)
		}
	}
	return out
}

// ParamsFor returns the params of kind k, or nil when k is not selected.
func ParamsFor[P StageParams](stages []Stage, k StageKind) (P, bool) {
	var zero P
	for _, st := range stages {
		if st.Kind != k {
			continue
		}
		p, ok := st.Params.(P)
		return p, ok
	}
	return zero, false
}

func (s JobSpec) String() string {
	return fmt.Sprintf("user=%s mode=%s stages=%v", s.UserID, s.SourceMode, s.Kinds())
}
