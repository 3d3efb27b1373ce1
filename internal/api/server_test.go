// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/mediaforge/internal/health"
	"github.com/ManuGH/mediaforge/internal/pipeline/billing"
	"github.com/ManuGH/mediaforge/internal/pipeline/bus"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu         sync.Mutex
	specs      []model.JobSpec
	submitID   string
	submitErr  error
	jobs       map[string]*model.MediaJob
	cancelled  []string
	bus        *bus.MemoryBus
	subscribed chan struct{}
	panicOnGet bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		submitID:   "job-1",
		jobs:       make(map[string]*model.MediaJob),
		bus:        bus.NewMemoryBus(),
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeJobs) Submit(_ context.Context, spec model.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.submitErr != nil {
		return f.submitID, f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeJobs) GetStatus(_ context.Context, id string) (*model.MediaJob, error) {
	if f.panicOnGet {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return j.Clone(), nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobs) Events(ctx context.Context, id string) (bus.Subscriber, error) {
	sub, err := f.bus.Subscribe(ctx, id)
	f.subscribed <- struct{}{}
	return sub, err
}

type fixedQuoter struct{}

func (fixedQuoter) Quote(kinds []model.StageKind, dur float64) billing.Quote {
	q := billing.Quote{Base: int64(dur), Stages: make(map[model.StageKind]int64)}
	for _, k := range kinds {
		q.Stages[k] = 10
	}
	q.Total = q.Base + int64(10*len(kinds))
	return q
}

func newTestServer(t *testing.T, jobs *fakeJobs, tune func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{UploadDir: t.TempDir(), MaxUploadBytes: 1 << 10, HeartbeatInterval: time.Hour}
	if tune != nil {
		tune(&cfg)
	}
	return New(cfg, jobs, fixedQuoter{}, health.NewManager("test"), nil).Handler()
}

func do(t *testing.T, h http.Handler, method, target, user string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func problemCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.NotEmpty(t, p["requestId"])
	code, _ := p["code"].(string)
	return code
}

const validSpec = `{"sourceMode":"REMOTE_URL","sourceRef":"https://media.example/a.mp4",
	"stages":[{"kind":"SUBTITLES","params":{"targetLanguage":"de"}}]}`

func TestSubmit(t *testing.T) {
	jobs := newFakeJobs()
	h := newTestServer(t, jobs, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/jobs", "u1", []byte(validSpec))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/jobs/job-1", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.ID)

	require.Len(t, jobs.specs, 1)
	spec := jobs.specs[0]
	assert.Equal(t, "u1", spec.UserID)
	require.Len(t, spec.Stages, 1)
	p, ok := spec.Stages[0].Params.(*model.SubtitlesParams)
	require.True(t, ok)
	assert.Equal(t, "de", p.TargetLanguage)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		body     string
		err      error
		status   int
		code     string
		location bool
	}{
		{name: "missing user", body: validSpec, status: http.StatusUnauthorized, code: "UNAUTHENTICATED"},
		{name: "unknown field", user: "u1", body: `{"sourceMode":"REMOTE_URL","bogus":1}`, status: http.StatusBadRequest, code: "VALIDATION"},
		{name: "trailing data", user: "u1", body: validSpec + `{}`, status: http.StatusBadRequest, code: "VALIDATION"},
		{
			name: "insufficient balance", user: "u1", body: validSpec,
			err:    model.NewError(model.CodeInsufficientBalance, "admission", "balance 1 does not cover estimate 9"),
			status: http.StatusPaymentRequired, code: "INSUFFICIENT_BALANCE",
		},
		{
			name: "acquisition failure is addressable", user: "u1", body: validSpec,
			err:    model.NewError(model.CodeAcquisition, "fetch", "status 404"),
			status: http.StatusUnprocessableEntity, code: "ACQUISITION", location: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			jobs.submitErr = tt.err
			if tt.err != nil && !tt.location {
				jobs.submitID = ""
			}
			rec := do(t, newTestServer(t, jobs, nil), http.MethodPost, "/api/v1/jobs", tt.user, []byte(tt.body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, problemCode(t, rec))
			assert.Equal(t, tt.location, rec.Header().Get("Location") != "")
		})
	}
}

func TestSubmit_InternalErrorIsOpaque(t *testing.T) {
	jobs := newFakeJobs()
	jobs.submitID = ""
	jobs.submitErr = errors.New("sqlite: disk I/O error at /var/lib/mediaforge")

	rec := do(t, newTestServer(t, jobs, nil), http.MethodPost, "/api/v1/jobs", "u1", []byte(validSpec))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
}

func TestSubmit_RateLimited(t *testing.T) {
	h := newTestServer(t, newFakeJobs(), func(c *Config) { c.SubmitPerMinute = 1 })

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/jobs", "u1", []byte(validSpec)).Code)
	rec := do(t, h, http.MethodPost, "/api/v1/jobs", "u1", []byte(validSpec))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", problemCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestGetJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &model.MediaJob{
		ID:       "job-1",
		UserID:   "u1",
		Status:   model.JobRemotePending,
		Segments: []model.Segment{{Index: 0, DurationSeconds: 60, BlobRef: "/var/lib/mediaforge/work/job-1/seg_000.mp4"}},
	}
	h := newTestServer(t, jobs, nil)

	rec := do(t, h, http.MethodGet, "/api/v1/jobs/job-1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	var v jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, model.JobRemotePending, v.Status)
	require.Len(t, v.Segments, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/job-1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users see no job")
	assert.Equal(t, "NOT_FOUND", problemCode(t, rec))

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &model.MediaJob{ID: "job-1", UserID: "u1", Status: model.JobComposing}
	h := newTestServer(t, jobs, nil)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/jobs/job-1/cancel", "u2", nil).Code)
	assert.Empty(t, jobs.cancelled)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/jobs/job-1/cancel", "u1", nil).Code)
	assert.Equal(t, []string{"job-1"}, jobs.cancelled)
}

func TestEstimate(t *testing.T) {
	h := newTestServer(t, newFakeJobs(), nil)

	rec := do(t, h, http.MethodGet, "/api/v1/estimate?durationSeconds=120&stages=SUBTITLES,MIRROR,SUBTITLES", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q billing.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, int64(140), q.Total)
	assert.Len(t, q.Stages, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/estimate?durationSeconds=120&stages=TELEPORT", "u1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/estimate?stages=MIRROR", "u1", nil).Code)
}

func mp4Header() []byte {
	b := make([]byte, 64)
	copy(b, []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'})
	return b
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	h := newTestServer(t, newFakeJobs(), func(c *Config) { c.UploadDir = dir })

	rec := do(t, h, http.MethodPost, "/api/v1/uploads", "u1", mp4Header())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.SourceDirectUpload, resp.SourceMode)
	assert.Equal(t, int64(64), resp.SizeBytes)
	assert.FileExists(t, filepath.Join(dir, resp.SourceRef))

	rec = do(t, h, http.MethodPost, "/api/v1/uploads", "u1", []byte("#!/bin/sh\necho not a video\n"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/uploads", "u1", bytes.Repeat([]byte{0}, 4<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/uploads", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected uploads leave nothing behind")
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &model.MediaJob{ID: "job-1", UserID: "u1", Status: model.JobLocalProcessing, ProgressPercent: 15}
	srv := httptest.NewServer(newTestServer(t, jobs, nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/jobs/job-1/events", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, "u1")

	go func() {
		<-jobs.subscribed
		ctx := context.Background()
		_ = jobs.bus.Publish(ctx, bus.JobEvent{JobID: "job-1", Status: model.JobRemotePending, ProgressPercent: 40})
		_ = jobs.bus.Publish(ctx, bus.JobEvent{JobID: "job-1", Status: model.JobCompleted, ProgressPercent: 100})
	}()

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []bus.JobEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev bus.JobEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			events = append(events, ev)
		}
	}
	require.Len(t, events, 3)
	assert.Equal(t, 15, events[0].ProgressPercent)
	assert.Equal(t, model.JobRemotePending, events[1].Status)
	assert.Equal(t, model.JobCompleted, events[2].Status)
}

func TestEvents_TerminalSnapshotCloses(t *testing.T) {
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &model.MediaJob{ID: "job-1", UserID: "u1", Status: model.JobFailed}
	rec := do(t, newTestServer(t, jobs, nil), http.MethodGet, "/api/v1/jobs/job-1/events", "u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: status"))
}

func TestRecoversPanics(t *testing.T) {
	jobs := newFakeJobs()
	jobs.panicOnGet = true
	rec := do(t, newTestServer(t, jobs, nil), http.MethodGet, "/api/v1/jobs/job-1", "u1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL", problemCode(t, rec))
}

func TestOperationalRoutes(t *testing.T) {
	h := newTestServer(t, newFakeJobs(), nil)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "", nil).Code)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediaforge_http_requests_total")

	rec = do(t, h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", problemCode(t, rec))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(model.CodeOf(errors.New("x"))))
	assert.Equal(t, http.StatusConflict, statusFor(model.CodeOf(context.Canceled)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.CodeEngineCapacity))
}
