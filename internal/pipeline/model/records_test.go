// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaJob_CloneIsDeep(t *testing.T) {
	orig := &MediaJob{
		ID:       "j1",
		Segments: []Segment{{Index: 0, DurationSeconds: 60, BlobRef: "/w/0.mp4"}},
		RemoteJobs: []RemoteJob{{
			Kind:      StageObjectRemoval,
			Status:    RemoteCompleted,
			ResultRef: &RemoteResult{VideoRefs: []string{"a", "b"}},
		}},
		LastError: &ErrorInfo{Code: CodeCompose, Message: "boom"},
	}
	cp := orig.Clone()
	require.Empty(t, cmp.Diff(orig, cp))

	cp.Segments[0].BlobRef = ""
	cp.RemoteJobs[0].ResultRef.VideoRefs[0] = "changed"
	cp.LastError.Message = "other"

	assert.Equal(t, "/w/0.mp4", orig.Segments[0].BlobRef)
	assert.Equal(t, "a", orig.RemoteJobs[0].ResultRef.VideoRefs[0])
	assert.Equal(t, "boom", orig.LastError.Message)
}

func TestMediaJob_StageBookkeeping(t *testing.T) {
	j := &MediaJob{SelectedStages: []Stage{{Kind: StageSubtitles}, {Kind: StageColorGrade}, {Kind: StageIntro}}}
	j.RecordStage(StageIntro, OutcomeSucceeded, nil)
	j.RecordStage(StageSubtitles, OutcomeFailed, errors.New("remote said no"))
	j.RecordStage(StageColorGrade, OutcomeSucceeded, nil)

	assert.Equal(t, []StageKind{StageColorGrade, StageIntro}, j.CompletedStages())
	assert.True(t, j.AnyStageFailed())

	j.RecordStage(StageSubtitles, OutcomeSucceeded, nil)
	assert.Len(t, j.StageResults, 3)
	assert.False(t, j.AnyStageFailed())

	j.PutRemoteJob(RemoteJob{Kind: StageSubtitles, Status: RemoteSubmitted})
	j.PutRemoteJob(RemoteJob{Kind: StageSubtitles, Status: RemoteCompleted})
	require.Len(t, j.RemoteJobs, 1)
	assert.Equal(t, RemoteCompleted, j.RemoteJob(StageSubtitles).Status)
	assert.Nil(t, j.RemoteJob(StageTextToSpeech))
}

func TestMediaJob_CheckInvariants(t *testing.T) {
	ok := &MediaJob{Status: JobCompleted, OutputRef: "s3://x", CostEstimate: 10, CostCharged: 10, ProgressPercent: 100}
	assert.NoError(t, ok.CheckInvariants())

	failed := &MediaJob{Status: JobFailed}
	assert.NoError(t, failed.CheckInvariants())

	assert.Error(t, (&MediaJob{Status: JobFailed, OutputRef: "x"}).CheckInvariants())
	assert.Error(t, (&MediaJob{Status: JobPartiallyCompleted}).CheckInvariants())
	assert.Error(t, (&MediaJob{Status: JobComposing, OutputRef: "x"}).CheckInvariants())
	assert.Error(t, (&MediaJob{Status: JobFailed, CostEstimate: 5, CostCharged: 6}).CheckInvariants())
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("run: %w", StageError(CodeRemoteStage, StageSubtitles, errors.New("timeout")))
	assert.True(t, errors.Is(err, ErrRemoteStage))
	assert.False(t, errors.Is(err, ErrCompose))
	assert.True(t, errors.Is(err, &Error{Code: CodeRemoteStage, Stage: StageSubtitles}))
	assert.False(t, errors.Is(err, &Error{Code: CodeRemoteStage, Stage: StageTextToSpeech}))
	assert.Equal(t, CodeRemoteStage, CodeOf(err))

	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))

	info := NewErrorInfo(err, time.Unix(100, 0))
	require.NotNil(t, info)
	assert.Equal(t, StageSubtitles, info.Stage)
	assert.Equal(t, int64(100), info.AtUnix)
	assert.Nil(t, NewErrorInfo(nil, time.Now()))
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobPartiallyCompleted} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, JobRemotePending.IsTerminal())
	assert.False(t, JobFailed.HasArtifact())
	assert.True(t, RemoteTimedOut.IsTerminal())
	assert.False(t, RemoteProcessing.IsTerminal())
	assert.True(t, StageSubtitles.IsRemote())
	assert.True(t, StageWatermark.IsLocal())
	assert.Equal(t, ClassCompose, StageIntro.Class())
}
