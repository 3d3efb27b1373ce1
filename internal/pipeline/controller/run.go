// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/artifact"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/acquire"
	"github.com/ManuGH/mediaforge/internal/media/compose"
	"github.com/ManuGH/mediaforge/internal/media/engine"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/fsm"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/remote"
	"github.com/ManuGH/mediaforge/internal/telemetry"
	"github.com/rs/zerolog"
)

// fallback is the best artifact available so far and the stages whose
// effects it contains.
type fallback struct {
	path  string
	kinds []model.StageKind
}

// run is the state of one pipeline execution. Only the run goroutine
// touches it, except prog and obs, which remote observers share. stages
// starts as the job's selection and loses stages whose asset could not be
// fetched.
type run struct {
	c       *Controller
	obs     sync.Mutex
	id      string
	userID  string
	stages  []model.Stage
	src     acquire.Source
	dir     string
	persist context.Context
	logger  zerolog.Logger
	prog    *progress
	best    fallback
	status  model.JobStatus
	lastErr error
	results map[model.StageKind]model.StageResult
	start   time.Time
}

func (c *Controller) run(ctx context.Context, job *model.MediaJob, src acquire.Source) {
	defer c.wg.Done()
	defer metrics.JobsActive.Dec()
	defer c.forget(job.ID)

	ctx = log.ContextWithUserID(log.ContextWithJobID(ctx, job.ID), job.UserID)
	r := &run{
		c:       c,
		id:      job.ID,
		userID:  job.UserID,
		stages:  job.SelectedStages,
		src:     src,
		dir:     c.workDir(job.ID),
		persist: context.WithoutCancel(ctx),
		logger:  log.WithComponentFromContext(ctx, "pipeline"),
		prog:    newProgress(job.SelectedStages),
		best:    fallback{path: src.Path},
		status:  job.Status,
		results: make(map[model.StageKind]model.StageResult),
		start:   time.Now(),
	}

	ctx, span := telemetry.StartSpan(ctx, "pipeline.run",
		telemetry.JobAttributes(job.ID, string(job.SourceMode), kindStrings(job.Kinds()))...)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		r.interrupted(ctx)
	} else {
		func() {
			defer c.sem.Release(1)
			if c.cfg.JobTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.JobTimeout, model.ErrTimeout)
				defer cancel()
			}
			r.execute(ctx)
		}()
	}
	telemetry.End(span, r.lastErr)
	r.settle()
}

// execute runs every phase. Each return path leaves the job terminal.
func (r *run) execute(ctx context.Context) {
	if !r.advance(fsm.EventStart, 0, nil) {
		return
	}
	if !r.advance(fsm.EventAcquired, weightAcquire, nil) {
		return
	}

	r.fetchAssets(ctx)
	if r.interrupted(ctx) {
		return
	}
	segs := r.segment(ctx)
	if r.interrupted(ctx) {
		return
	}
	if !r.advance(fsm.EventSegmented, weightSegment, func(j *model.MediaJob) {
		if len(segs) > 1 {
			j.Segments = slices.Clone(segs)
		}
	}) {
		return
	}

	segs = r.local(ctx, segs)
	if r.interrupted(ctx) {
		return
	}
	if !r.advance(fsm.EventLocalDone, r.prog.localWeight(), nil) {
		return
	}

	segs, extras := r.remote(ctx, segs)
	if r.interrupted(ctx) {
		return
	}
	if !r.advance(fsm.EventRemoteDone, 0, nil) {
		return
	}

	res, err := r.compose(ctx, segs, extras)
	if r.interrupted(ctx) {
		return
	}
	if err != nil {
		r.noteError(err)
		r.logger.Warn().Err(err).Str("event", "compose.fallback").Msg("composition failed, delivering best artifact")
		r.degrade(ctx, err)
		return
	}
	if !r.advance(fsm.EventComposed, weightCompose, nil) {
		return
	}

	url, err := r.upload(ctx, res.Path)
	if r.interrupted(ctx) {
		return
	}
	if err != nil {
		r.fail(model.WrapError(model.CodeUpload, "upload", err))
		return
	}

	ev := fsm.EventUploaded
	if res.Partial || r.anyFailed() {
		ev = fsm.EventDegraded
	}
	r.terminal(ev, url)
}

// advance fires ev, flushes recorded stage verdicts and credits weight.
func (r *run) advance(ev fsm.JobEvent, weight int, mutate func(*model.MediaJob)) bool {
	pct := r.prog.add(weight)
	j, err := r.c.transition(r.persist, r.id, ev, func(j *model.MediaJob) {
		r.flush(j)
		j.ProgressPercent = max(j.ProgressPercent, pct)
		if mutate != nil {
			mutate(j)
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Str("event", string(ev)).Msg("persist transition")
		r.lastErr = err
		r.forceFail(err)
		return false
	}
	r.status = j.Status
	return true
}

// terminal ends the run with an artifact.
func (r *run) terminal(ev fsm.JobEvent, url string) {
	j, err := r.c.transition(r.persist, r.id, ev, func(j *model.MediaJob) {
		r.flush(j)
		markUnrun(j, "not executed")
		j.OutputRef = url
		if r.lastErr != nil {
			j.LastError = model.NewErrorInfo(r.lastErr, r.c.now())
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("persist terminal status")
		r.forceFail(err)
		return
	}
	r.finished(j)
}

// fail ends the run without an artifact.
func (r *run) fail(cause error) {
	r.noteError(cause)
	if _, ok := fsm.Next(r.status, fsm.EventFail); !ok {
		return
	}
	j, err := r.c.transition(r.persist, r.id, fsm.EventFail, func(j *model.MediaJob) {
		r.flush(j)
		markUnrun(j, "not executed")
		j.OutputRef = ""
		j.LastError = model.NewErrorInfo(cause, r.c.now())
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("persist failed status")
		r.forceFail(err)
		return
	}
	r.finished(j)
}

// forceFail terminalizes the record without the state machine when a
// regular transition could not be persisted.
func (r *run) forceFail(cause error) {
	now := r.c.now()
	j, err := r.c.deps.Store.UpdateJob(r.persist, r.id, func(j *model.MediaJob) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = model.JobFailed
		j.OutputRef = ""
		j.LastError = model.NewErrorInfo(model.WrapError(model.CodeInternal, "persist", cause), now)
		j.FinishedAtUnix = now.Unix()
		markUnrun(j, "not executed")
		clearBlobRefs(j)
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("job left non-terminal; recovery will close it")
		return
	}
	r.status = j.Status
	r.finished(j)
}

// degrade ends the run PartiallyCompleted with the best artifact, or Failed
// when none can be delivered.
func (r *run) degrade(ctx context.Context, cause error) {
	if _, ok := fsm.Next(r.status, fsm.EventDegraded); !ok {
		r.fail(cause)
		return
	}
	uctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(r.persist, r.c.cfg.FallbackUploadTimeout)
		defer cancel()
	}
	url, err := r.upload(uctx, r.best.path)
	if err != nil {
		r.fail(errors.Join(cause, model.WrapError(model.CodeUpload, "upload fallback", err)))
		return
	}
	for k, res := range r.results {
		if res.Outcome == model.OutcomeSucceeded && !slices.Contains(r.best.kinds, k) {
			r.record(k, model.OutcomeFailed, errors.New("not included in delivered artifact"))
		}
	}
	r.terminal(fsm.EventDegraded, url)
}

// interrupted terminalizes the job when ctx is done: a cancel fails it, the
// job deadline degrades it and a shutdown fails it as interrupted.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, model.ErrTimeout):
		r.noteError(cause)
		r.logger.Warn().Str("event", "job.timeout").Msg("job deadline reached, delivering best artifact")
		r.degrade(ctx, cause)
	case errors.Is(cause, model.ErrCancelled):
		r.fail(cause)
	default:
		r.fail(model.WrapError(model.CodeInterrupted, "run", cause))
	}
	return true
}

func (r *run) finished(j *model.MediaJob) {
	r.status = j.Status
	reason := ""
	if j.LastError != nil {
		reason = string(j.LastError.Code)
	}
	metrics.RecordJobTerminal(string(j.Status), reason, time.Since(r.start).Seconds())

	ev := r.logger.Info()
	if j.Status != model.JobCompleted {
		ev = r.logger.Warn().Str("reason", reason)
	}
	ev.Str("event", "job.terminal").
		Str("status", string(j.Status)).
		Strs("completed", kindStrings(j.CompletedStages())).
		Dur(log.FieldDuration, time.Since(r.start)).
		Msg("job finished")
}

// settle charges the terminal job once and cleans its workspace.
func (r *run) settle() {
	j, err := r.c.deps.Store.GetJob(r.persist, r.id)
	if err != nil {
		r.logger.Error().Err(err).Msg("load job for settlement")
		return
	}
	if !j.Status.IsTerminal() {
		return
	}
	if _, err := r.c.deps.Meter.Settle(r.persist, r.id, j.CompletedStages()); err != nil {
		r.logger.Error().Err(err).Msg("settlement failed")
	}
	if j.Status == model.JobFailed && r.c.cfg.KeepFailed {
		return
	}
	r.c.removeWorkspace(r.id)
}

func (r *run) record(k model.StageKind, outcome model.StageOutcome, err error) {
	res := model.StageResult{Kind: k, Outcome: outcome}
	if err != nil {
		res.Error = err.Error()
	}
	r.results[k] = res
	metrics.RecordStageOutcome(string(k), string(outcome))
}

func (r *run) flush(j *model.MediaJob) {
	for _, k := range model.AllStageKinds {
		if res, ok := r.results[k]; ok {
			var err error
			if res.Error != "" {
				err = errors.New(res.Error)
			}
			j.RecordStage(k, res.Outcome, err)
		}
	}
}

func (r *run) anyFailed() bool {
	for _, res := range r.results {
		if res.Outcome == model.OutcomeFailed {
			return true
		}
	}
	return false
}

// noteError keeps the first error as the job's root cause.
func (r *run) noteError(err error) {
	if r.lastErr == nil {
		r.lastErr = err
	}
}

func (r *run) kinds(pred func(model.StageKind) bool) []model.StageKind {
	var out []model.StageKind
	for _, k := range model.AllStageKinds {
		if pred(k) && slices.ContainsFunc(r.stages, func(s model.Stage) bool { return s.Kind == k }) {
			out = append(out, k)
		}
	}
	return out
}

// segment splits the source. A failed split continues on the whole source.
func (r *run) segment(ctx context.Context) []model.Segment {
	whole := []model.Segment{{Index: 0, DurationSeconds: r.src.DurationSeconds, BlobRef: r.src.Path}}
	segs, err := r.c.deps.Segmenter.Split(ctx, r.src.Path, r.src.DurationSeconds,
		r.c.cfg.SegmentThresholdSeconds, filepath.Join(r.dir, "segments"))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.noteError(err)
		r.logger.Warn().Err(err).Str("event", "segment.fallback").Msg("split failed, continuing on whole source")
		return whole
	}
	return segs
}

// local applies local effects. On failure every local stage is failed and
// the unmodified segments continue.
func (r *run) local(ctx context.Context, segs []model.Segment) []model.Segment {
	kinds := r.kinds(model.StageKind.IsLocal)
	if len(kinds) == 0 {
		return segs
	}
	start := time.Now()
	chain, err := engine.BuildChain(r.stages)
	if err == nil {
		var out []model.Segment
		out, err = r.c.deps.Engine.ProcessSegments(ctx, segs, chain, filepath.Join(r.dir, "local"))
		if err == nil {
			metrics.EngineDuration.WithLabelValues("segments", "ok").Observe(time.Since(start).Seconds())
			for _, k := range kinds {
				r.record(k, model.OutcomeSucceeded, nil)
			}
			if len(out) == 1 {
				r.best = fallback{path: out[0].BlobRef, kinds: kinds}
			}
			return out
		}
	}
	if ctx.Err() != nil {
		return segs
	}
	metrics.EngineDuration.WithLabelValues("segments", "error").Observe(time.Since(start).Seconds())
	r.noteError(err)
	for _, k := range kinds {
		r.record(k, model.OutcomeFailed, err)
	}
	r.logger.Warn().Err(err).Str("event", "engine.fallback").Msg("local effects failed, continuing unmodified")
	return segs
}

// upload stores path as the job's final artifact, retrying transient
// failures.
func (r *run) upload(ctx context.Context, path string) (string, error) {
	store := r.c.deps.Artifacts
	key := artifact.FinalKey(r.id)
	var err error
	for attempt := 1; attempt <= r.c.cfg.UploadRetries; attempt++ {
		var url string
		url, err = store.Upload(ctx, key, path)
		if err == nil {
			metrics.ArtifactUploads.WithLabelValues(store.Backend(), "ok").Inc()
			r.prog.add(weightUpload)
			return url, nil
		}
		metrics.ArtifactUploads.WithLabelValues(store.Backend(), "error").Inc()
		r.logger.Warn().Err(err).
			Int(log.FieldAttempt, attempt).
			Str(log.FieldKey, key).
			Msg("artifact upload failed")
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if attempt < r.c.cfg.UploadRetries {
			select {
			case <-ctx.Done():
				return "", context.Cause(ctx)
			case <-time.After(r.c.cfg.UploadBackoff * time.Duration(attempt)):
			}
		}
	}
	return "", fmt.Errorf("upload %s after %d attempts: %w", key, r.c.cfg.UploadRetries, err)
}

// compose assembles the final file. Stages whose contribution the Composer
// could not add are failed; the rest of the composition is kept.
func (r *run) compose(ctx context.Context, segs []model.Segment, extras extras) (compose.Result, error) {
	in := compose.Input{Segments: segs, Audio: extras.audio, Captions: extras.captions}
	if p, ok := model.ParamsFor[*model.IntroParams](r.stages, model.StageIntro); ok {
		in.Intro = p.URL
	}
	if p, ok := model.ParamsFor[*model.OutroParams](r.stages, model.StageOutro); ok {
		in.Outro = p.URL
	}

	res, err := r.c.deps.Composer.Compose(ctx, in, filepath.Join(r.dir, "compose"))
	if err != nil {
		return compose.Result{}, err
	}
	if res.AudioErr != nil && extras.audioKind != "" {
		r.composeFailed(extras.audioKind, res.AudioErr)
	}
	if res.CaptionsErr != nil && extras.captions != "" {
		r.composeFailed(model.StageSubtitles, res.CaptionsErr)
	}

	var clipErrs []error
	for _, w := range res.Warnings {
		if w != res.AudioErr && w != res.CaptionsErr {
			clipErrs = append(clipErrs, w)
		}
	}
	for _, k := range []model.StageKind{model.StageIntro, model.StageOutro} {
		if !slices.ContainsFunc(r.stages, func(s model.Stage) bool { return s.Kind == k }) {
			continue
		}
		if slices.Contains(res.Applied, k) {
			r.record(k, model.OutcomeSucceeded, nil)
			continue
		}
		werr := errors.Join(clipErrs...)
		if werr == nil {
			werr = errors.New("not applied")
		}
		r.composeFailed(k, werr)
	}
	return res, nil
}

func (r *run) composeFailed(k model.StageKind, err error) {
	serr := model.StageError(model.CodeCompose, k, err)
	r.noteError(serr)
	r.record(k, model.OutcomeFailed, serr)
	r.logger.Warn().Err(err).Str(log.FieldStage, string(k)).Msg("stage not included in composition")
}

// remoteObserver persists remote job changes and credits progress when a
// stage becomes terminal.
func (r *run) remoteObserver() remote.Observer {
	return func(rj model.RemoteJob) {
		// Lanes report concurrently; one at a time keeps published progress
		// in store order.
		r.obs.Lock()
		defer r.obs.Unlock()
		pct := -1
		if rj.Status.IsTerminal() {
			pct = r.prog.add(weightRemote)
		}
		j, err := r.c.deps.Store.UpdateJob(r.persist, r.id, func(j *model.MediaJob) error {
			j.PutRemoteJob(rj)
			if pct >= 0 {
				j.ProgressPercent = max(j.ProgressPercent, pct)
			}
			return nil
		})
		if err != nil {
			r.logger.Error().Err(err).Str(log.FieldStage, string(rj.Kind)).Msg("persist remote job")
			return
		}
		r.c.publish(r.persist, j, rj.Kind)
	}
}
