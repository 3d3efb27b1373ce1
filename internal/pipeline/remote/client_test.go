// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_SubmitAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer remote-key", r.Header.Get("Authorization"))
		assert.Equal(t, "job-1:SUBTITLES", r.Header.Get("Idempotency-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SUBTITLES", body["kind"])
		assert.Equal(t, []any{"https://store/s0"}, body["inputs"])
		assert.Equal(t, map[string]any{"targetLanguage": "fr"}, body["params"])
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "ext 42"})
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ext 42", r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(Status{
			Status: model.RemoteCompleted,
			Result: &model.RemoteResult{Text: "bonjour"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, APIKey: "remote-key", Timeout: time.Second})
	id, err := c.Submit(context.Background(), SubmitRequest{
		Kind:           model.StageSubtitles,
		Inputs:         []string{"https://store/s0"},
		Params:         &model.SubtitlesParams{TargetLanguage: "fr"},
		IdempotencyKey: "job-1:SUBTITLES",
	})
	require.NoError(t, err)
	assert.Equal(t, "ext 42", id)

	st, err := c.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RemoteCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "bonjour", st.Result.Text)
}

func TestHTTPClient_EmptyIDRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}).Submit(context.Background(), SubmitRequest{Kind: model.StageSongGeneration})
	assert.ErrorContains(t, err, "empty job id")
}

func TestHTTPClient_ServerErrorIsTemporary(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL})
	_, err := c.GetStatus(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, httpx.IsTemporary(err))
	assert.Equal(t, int32(1), calls.Load())
}
