// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVTT = "WEBVTT\n\nNOTE produced by asr\nsecond note line\n\n" +
	"1\n00:00:00.000 --> 00:00:02.000\n<v Anna>Hallo zusammen</v>\n\n" +
	"2\n00:00:02.500 --> 00:00:04.000\nWillkommen\n"

func TestCueText(t *testing.T) {
	srt := "\ufeff1\n00:00:00,000 --> 00:00:02,000\nline one\n<i>line two</i>\n\n2\n00:00:03,000 --> 00:00:04,000\nline three\n"
	assert.Equal(t, "line one\nline two\nline three", CueText(srt))
	assert.Equal(t, "Hallo zusammen\nWillkommen", CueText(sampleVTT))
	assert.Empty(t, CueText("WEBVTT\n\n"))
}

func TestHTTPCaptionText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/captions.vtt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleVTT))
	}))
	defer srv.Close()

	fetch := HTTPCaptionText(srv.Client())
	text, err := fetch(context.Background(), srv.URL+"/captions.vtt")
	require.NoError(t, err)
	assert.Equal(t, "Hallo zusammen\nWillkommen", text)

	_, err = fetch(context.Background(), srv.URL+"/missing.vtt")
	assert.Error(t, err)
}

func TestRun_CaptionTrackFeedsSpeech(t *testing.T) {
	fc := newFakeClient()
	fc.script[model.StageSubtitles] = completeAfter(1, model.RemoteResult{CaptionRef: "https://remote/out/captions.vtt"})
	fc.script[model.StageTextToSpeech] = completeAfter(1, model.RemoteResult{AudioRef: "https://remote/tts.wav"})
	cfg := testConfig()
	var asked []string
	cfg.CaptionText = func(_ context.Context, ref string) (string, error) {
		asked = append(asked, ref)
		return CueText(sampleVTT), nil
	}
	o := newOrchestrator(t, fc, cfg)

	got := o.Run(context.Background(), Plan{
		JobID: "job-vtt",
		Stages: []model.Stage{
			{Kind: model.StageSubtitles, Params: &model.SubtitlesParams{TargetLanguage: "de"}},
			{Kind: model.StageTextToSpeech, Params: &model.TextToSpeechParams{Voice: "alloy"}},
		},
		Inputs: []string{"https://store/s0"},
	}, nil)

	require.Len(t, got, 2)
	assert.Equal(t, model.RemoteCompleted, got[1].Status, got[1].ErrorMessage)
	assert.Equal(t, []string{"https://remote/out/captions.vtt"}, asked)
	tts := fc.submitted(model.StageTextToSpeech)
	require.Len(t, tts, 1)
	assert.Equal(t, "Hallo zusammen\nWillkommen", tts[0].Text)
}

func TestRun_UnreadableCaptionTrackSkipsSpeech(t *testing.T) {
	fc := newFakeClient()
	fc.script[model.StageSubtitles] = completeAfter(1, model.RemoteResult{CaptionRef: "https://remote/out/captions.srt"})
	cfg := testConfig()
	cfg.CaptionText = func(context.Context, string) (string, error) {
		return "", errors.New("status 403")
	}
	o := newOrchestrator(t, fc, cfg)

	got := o.Run(context.Background(), Plan{
		JobID: "job-srt",
		Stages: []model.Stage{
			{Kind: model.StageSubtitles, Params: &model.SubtitlesParams{TargetLanguage: "de"}},
			{Kind: model.StageTextToSpeech, Params: &model.TextToSpeechParams{Voice: "alloy"}},
		},
		Inputs: []string{"https://store/s0"},
	}, nil)

	require.Len(t, got, 2)
	assert.Equal(t, model.RemoteCompleted, got[0].Status)
	assert.Equal(t, model.RemoteFailed, got[1].Status)
	assert.Contains(t, got[1].ErrorMessage, "caption text unavailable: status 403")
	assert.Empty(t, fc.submitted(model.StageTextToSpeech))
}
