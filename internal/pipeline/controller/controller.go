// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package controller drives MediaJobs from admission to settlement.
//
// Submit validates, acquires and prices a job synchronously, then runs the
// rest of the pipeline in the background. Each run moves strictly forward
// through the job state machine and ends in exactly one terminal status,
// after which the job is settled once and its workspace removed.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/artifact"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/acquire"
	"github.com/ManuGH/mediaforge/internal/media/compose"
	"github.com/ManuGH/mediaforge/internal/media/engine"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/billing"
	"github.com/ManuGH/mediaforge/internal/pipeline/bus"
	"github.com/ManuGH/mediaforge/internal/pipeline/fsm"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/remote"
	"github.com/ManuGH/mediaforge/internal/pipeline/store"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	platformnet "github.com/ManuGH/mediaforge/internal/platform/net"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var errShutdown = errors.New("controller shutting down")

// Acquirer materializes a job source in its workspace.
type Acquirer interface {
	Acquire(ctx context.Context, mode model.SourceMode, ref, dstDir string) (acquire.Source, error)
}

// Segmenter slices a source into bounded segments.
type Segmenter interface {
	Split(ctx context.Context, blob string, durationSeconds, thresholdSeconds float64, outDir string) ([]model.Segment, error)
}

// LocalEngine applies local effects to every segment.
type LocalEngine interface {
	ProcessSegments(ctx context.Context, segs []model.Segment, chain engine.FilterChain, outDir string) ([]model.Segment, error)
}

// RemoteRunner executes the remote stages of a job.
type RemoteRunner interface {
	Run(ctx context.Context, plan remote.Plan, observe remote.Observer) []model.RemoteJob
}

// Composer assembles the final file.
type Composer interface {
	Compose(ctx context.Context, in compose.Input, workDir string) (compose.Result, error)
}

// DownloadFunc fetches rawURL into dst.
type DownloadFunc func(ctx context.Context, rawURL, dst string) error

// Config bounds job execution.
type Config struct {
	WorkspaceDir            string
	KeepFailed              bool
	MaxDurationSeconds      float64
	SegmentThresholdSeconds float64
	// JobTimeout is the global backstop for one run. 0 disables it.
	JobTimeout        time.Duration
	MaxConcurrentJobs int
	SignedURLTTL      time.Duration
	UploadRetries     int
	UploadBackoff     time.Duration
	// FallbackUploadTimeout bounds the upload of the best artifact after
	// the job deadline has passed.
	FallbackUploadTimeout time.Duration
	MaxResultBytes        int64
	// Outbound governs client-supplied asset URLs and every redirect hop
	// of the default downloader.
	Outbound platformnet.OutboundPolicy
}

func (c Config) withDefaults() Config {
	if c.SegmentThresholdSeconds <= 0 {
		c.SegmentThresholdSeconds = 60
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 2
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = time.Hour
	}
	if c.UploadRetries <= 0 {
		c.UploadRetries = 3
	}
	if c.UploadBackoff <= 0 {
		c.UploadBackoff = time.Second
	}
	if c.FallbackUploadTimeout <= 0 {
		c.FallbackUploadTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators of a Controller. Download defaults to an HTTP
// GET into the workspace.
type Deps struct {
	Store     store.StateStore
	Bus       bus.Bus
	Acquirer  Acquirer
	Segmenter Segmenter
	Engine    LocalEngine
	Remote    RemoteRunner
	Composer  Composer
	Artifacts artifact.Store
	Meter     *billing.Meter
	Download  DownloadFunc
}

// Controller owns every running job of this process.
type Controller struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted
	now  func() time.Time

	base     context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New creates a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	cfg = cfg.withDefaults()
	switch {
	case deps.Store == nil:
		return nil, errors.New("controller: store is required")
	case deps.Acquirer == nil, deps.Segmenter == nil, deps.Engine == nil, deps.Remote == nil, deps.Composer == nil:
		return nil, errors.New("controller: media components are required")
	case deps.Artifacts == nil:
		return nil, errors.New("controller: artifact store is required")
	case deps.Meter == nil:
		return nil, errors.New("controller: meter is required")
	case cfg.WorkspaceDir == "":
		return nil, errors.New("controller: workspace dir is required")
	}
	if deps.Bus == nil {
		deps.Bus = bus.NewMemoryBus()
	}
	if deps.Download == nil {
		client := httpx.NewStreamingClient()
		client.CheckRedirect = platformnet.CheckRedirect(cfg.Outbound)
		limit := cfg.MaxResultBytes
		deps.Download = func(ctx context.Context, rawURL, dst string) error {
			_, err := httpx.Download(ctx, client, rawURL, dst, limit)
			return err
		}
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		now:      time.Now,
		base:     base,
		shutdown: cancel,
		running:  make(map[string]context.CancelCauseFunc),
	}, nil
}

// Submit admits spec and starts its pipeline. Validation, a blocked asset
// URL, insufficient balance and an over-long source are rejected without a
// job record. A
// failed acquisition is recorded as a Failed job with zero charge; its id is
// returned together with the error.
func (c *Controller) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		metrics.JobsAdmitted.WithLabelValues("validation").Inc()
		return "", err
	}
	if err := c.checkAssets(ctx, spec.Stages); err != nil {
		metrics.JobsAdmitted.WithLabelValues("validation").Inc()
		return "", err
	}

	id := uuid.NewString()
	ctx = log.ContextWithJobID(ctx, id)
	logger := log.WithComponentFromContext(ctx, "controller")
	dir := c.workDir(id)

	src, err := c.deps.Acquirer.Acquire(ctx, spec.SourceMode, spec.SourceRef, dir)
	if err != nil {
		if ctx.Err() != nil {
			c.removeWorkspace(id)
			return "", err
		}
		metrics.JobsAdmitted.WithLabelValues("acquisition").Inc()
		c.recordAcquisitionFailure(context.WithoutCancel(ctx), id, spec, err)
		return id, err
	}

	if c.cfg.MaxDurationSeconds > 0 && src.DurationSeconds > c.cfg.MaxDurationSeconds {
		c.removeWorkspace(id)
		metrics.JobsAdmitted.WithLabelValues("validation").Inc()
		return "", model.NewError(model.CodeValidation, "admission",
			"source duration %.1fs exceeds limit %.0fs", src.DurationSeconds, c.cfg.MaxDurationSeconds)
	}

	estimate := c.deps.Meter.Estimate(spec.Kinds(), src.DurationSeconds)
	if err := c.deps.Meter.CheckBalance(ctx, spec.UserID, estimate); err != nil {
		c.removeWorkspace(id)
		label := "error"
		if errors.Is(err, model.ErrInsufficientBalance) {
			label = "insufficient_balance"
		}
		metrics.JobsAdmitted.WithLabelValues(label).Inc()
		return "", err
	}

	now := c.now().Unix()
	job := &model.MediaJob{
		ID:              id,
		UserID:          spec.UserID,
		SourceMode:      spec.SourceMode,
		SourceRef:       spec.SourceRef,
		SelectedStages:  spec.Stages,
		Status:          model.JobCreated,
		DurationSeconds: src.DurationSeconds,
		SizeBytes:       src.SizeBytes,
		CostEstimate:    estimate,
		Settlement:      model.SettlementPending,
		CreatedAtUnix:   now,
		UpdatedAtUnix:   now,
	}
	if err := c.deps.Store.CreateJob(ctx, job); err != nil {
		c.removeWorkspace(id)
		metrics.JobsAdmitted.WithLabelValues("error").Inc()
		return "", model.WrapError(model.CodeInternal, "create job", err)
	}

	runCtx, cancel := context.WithCancelCause(c.base)
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	metrics.JobsActive.Inc()
	go c.run(runCtx, job, src)

	metrics.JobsAdmitted.WithLabelValues("accepted").Inc()
	logger.Info().
		Str("event", "job.admitted").
		Str(log.FieldUserID, spec.UserID).
		Str("mode", string(spec.SourceMode)).
		Strs("stages", kindStrings(spec.Kinds())).
		Int64("estimate", estimate).
		Float64("duration_s", src.DurationSeconds).
		Msg("job admitted")
	return id, nil
}

func (c *Controller) recordAcquisitionFailure(ctx context.Context, id string, spec model.JobSpec, cause error) {
	logger := log.WithComponentFromContext(ctx, "controller")
	now := c.now()
	job := &model.MediaJob{
		ID:             id,
		UserID:         spec.UserID,
		SourceMode:     spec.SourceMode,
		SourceRef:      spec.SourceRef,
		SelectedStages: spec.Stages,
		Status:         model.JobCreated,
		Settlement:     model.SettlementPending,
		CreatedAtUnix:  now.Unix(),
		UpdatedAtUnix:  now.Unix(),
	}
	if err := c.deps.Store.CreateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("record acquisition failure")
		return
	}
	if _, err := c.transition(ctx, id, fsm.EventStart, nil); err != nil {
		logger.Error().Err(err).Msg("record acquisition failure")
		return
	}
	j, err := c.transition(ctx, id, fsm.EventFail, func(j *model.MediaJob) {
		j.LastError = model.NewErrorInfo(cause, now)
		markUnrun(j, "source not acquired")
	})
	if err != nil {
		logger.Error().Err(err).Msg("record acquisition failure")
		return
	}
	metrics.RecordJobTerminal(string(j.Status), string(model.CodeOf(cause)), 0)
	logger.Warn().Err(cause).Str("event", "job.rejected").Msg("source acquisition failed")
	if _, err := c.deps.Meter.Settle(ctx, id, nil); err != nil {
		logger.Error().Err(err).Msg("settle failed job")
	}
	c.removeWorkspace(id)
}

// GetStatus returns a snapshot of job id. Jobs with an artifact carry a
// freshly signed OutputRef.
func (c *Controller) GetStatus(ctx context.Context, id string) (*model.MediaJob, error) {
	j, err := c.deps.Store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() && j.Status.HasArtifact() {
		url, err := c.deps.Artifacts.SignedURL(ctx, artifact.FinalKey(id), c.cfg.SignedURLTTL)
		if err != nil {
			lg := log.WithComponentFromContext(ctx, "controller")
			lg.Warn().Err(err).
				Str(log.FieldJobID, id).
				Msg("re-sign output failed, returning stored url")
		} else {
			j.OutputRef = url
		}
	}
	return j, nil
}

// Cancel stops job id at its next checkpoint. The job ends Failed and is
// charged nothing. Cancelling a terminal job is a no-op.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel(model.ErrCancelled)
		lg := log.WithComponentFromContext(ctx, "controller")
		lg.Info().
			Str(log.FieldJobID, id).
			Str("event", "job.cancel_requested").
			Msg("cancel requested")
		return nil
	}
	j, err := c.deps.Store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return nil
	}
	return model.NewError(model.CodeInternal, "cancel", "job %s is %s but not running in this process", id, j.Status)
}

// Events subscribes to progress events of job id.
func (c *Controller) Events(ctx context.Context, id string) (bus.Subscriber, error) {
	return c.deps.Bus.Subscribe(ctx, id)
}

// Recover terminalizes jobs left non-terminal by a previous process. They
// end Failed with an INTERRUPTED error and zero charge.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	logger := log.WithComponentFromContext(ctx, "controller")
	jobs, err := c.deps.Store.ListJobs(ctx, store.JobFilter{Statuses: store.NonTerminal})
	if err != nil {
		return 0, err
	}
	n := 0
	cause := model.NewError(model.CodeInterrupted, "recover", "process restarted while job was running")
	for _, j := range jobs {
		c.mu.Lock()
		_, live := c.running[j.ID]
		c.mu.Unlock()
		if live {
			continue
		}
		now := c.now()
		_, err := c.deps.Store.UpdateJob(ctx, j.ID, func(j *model.MediaJob) error {
			if j.Status.IsTerminal() {
				return nil
			}
			j.Status = model.JobFailed
			j.OutputRef = ""
			j.LastError = model.NewErrorInfo(cause, now)
			j.FinishedAtUnix = now.Unix()
			markUnrun(j, "interrupted")
			clearBlobRefs(j)
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Str(log.FieldJobID, j.ID).Msg("recover job")
			continue
		}
		if _, err := c.deps.Meter.Settle(ctx, j.ID, nil); err != nil {
			logger.Error().Err(err).Str(log.FieldJobID, j.ID).Msg("settle recovered job")
		}
		metrics.RecordJobTerminal(string(model.JobFailed), string(model.CodeInterrupted), 0)
		c.removeWorkspace(j.ID)
		n++
	}
	if n > 0 {
		logger.Warn().Int("jobs", n).Str("event", "job.recovered").Msg("interrupted jobs terminalized")
	}
	return n, nil
}

// Close interrupts running jobs and waits for them to terminalize or for
// ctx to expire.
func (c *Controller) Close(ctx context.Context) error {
	c.shutdown(errShutdown)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller close: %w", ctx.Err())
	}
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	cancel := c.running[id]
	delete(c.running, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

// transition applies ev to job id atomically with mutate and publishes the
// result.
func (c *Controller) transition(ctx context.Context, id string, ev fsm.JobEvent, mutate func(*model.MediaJob)) (*model.MediaJob, error) {
	var from model.JobStatus
	now := c.now().Unix()
	j, err := c.deps.Store.UpdateJob(ctx, id, func(j *model.MediaJob) error {
		to, ok := fsm.Next(j.Status, ev)
		if !ok {
			return fmt.Errorf("illegal transition %s on %s", ev, j.Status)
		}
		from = j.Status
		j.Status = to
		if mutate != nil {
			mutate(j)
		}
		j.UpdatedAtUnix = now
		if to.IsTerminal() {
			j.FinishedAtUnix = now
			if to.HasArtifact() {
				j.ProgressPercent = 100
			}
			clearBlobRefs(j)
		}
		return j.CheckInvariants()
	})
	if err != nil {
		return nil, err
	}
	lg := log.WithComponentFromContext(ctx, "controller")
	lg.Debug().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(j.Status)).
		Str("event", string(ev)).
		Msg("job transition")
	c.publish(ctx, j, "")
	return j, nil
}

func (c *Controller) publish(ctx context.Context, j *model.MediaJob, stage model.StageKind) {
	_ = c.deps.Bus.Publish(ctx, bus.JobEvent{
		JobID:           j.ID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		Stage:           stage,
		Error:           j.LastError,
		AtUnix:          c.now().Unix(),
	})
}

func (c *Controller) workDir(id string) string {
	return filepath.Join(c.cfg.WorkspaceDir, id)
}

func (c *Controller) removeWorkspace(id string) {
	if err := os.RemoveAll(c.workDir(id)); err != nil {
		lg := log.WithComponent("controller")
		lg.Warn().Err(err).Str(log.FieldJobID, id).Msg("remove workspace")
	}
}

// markUnrun records every selected stage without a verdict as failed.
func markUnrun(j *model.MediaJob, reason string) {
	done := make(map[model.StageKind]bool, len(j.StageResults))
	for _, r := range j.StageResults {
		done[r.Kind] = true
	}
	for _, k := range j.Kinds() {
		if !done[k] {
			j.RecordStage(k, model.OutcomeFailed, errors.New(reason))
		}
	}
}

func clearBlobRefs(j *model.MediaJob) {
	for i := range j.Segments {
		j.Segments[i].BlobRef = ""
	}
}

func kindStrings(kinds []model.StageKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
