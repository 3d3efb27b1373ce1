// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package remote delegates AI stages to the remote processing service and
// tracks them by polling until each reaches a terminal status.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/cache"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	"github.com/ManuGH/mediaforge/internal/resilience"
	"github.com/ManuGH/mediaforge/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

var errStageTimeout = errors.New("stage timeout")

// Config tunes polling.
type Config struct {
	PollInterval  time.Duration
	// MaxAttempts bounds the number of status polls per stage.
	MaxAttempts   int
	StageTimeout  time.Duration
	// CacheTTL is how long terminal statuses are remembered.
	CacheTTL      time.Duration
	SubmitRetries int
	RetryBackoff  time.Duration
	// CaptionText resolves subtitles that arrive only as a caption track.
	CaptionText   CaptionTextFunc
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = c.PollInterval * time.Duration(c.MaxAttempts+2)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.CaptionText == nil {
		c.CaptionText = HTTPCaptionText(nil)
	}
	return c
}

// Plan is the remote part of one job.
type Plan struct {
	JobID  string
	Stages []model.Stage
	// Inputs are signed URLs of the current segments, in index order.
	Inputs []string
}

// Observer receives every state change of a remote job. It is called from
// several goroutines.
type Observer func(model.RemoteJob)

// Orchestrator runs remote stages. Independent lanes run concurrently;
// stages within a lane run in order and may consume the previous result.
type Orchestrator struct {
	client Client
	cache  cache.Cache
	cfg    Config
	group  singleflight.Group
}

// New creates an Orchestrator. The cache holds terminal statuses so repeated
// polls of a finished job never reach the service.
func New(client Client, c cache.Cache, cfg Config) *Orchestrator {
	return &Orchestrator{client: client, cache: c, cfg: cfg.withDefaults()}
}

// lanes lists the dependency chains among remote stages.
var lanes = [][]model.StageKind{
	{model.StageObjectRemoval, model.StageFaceSubstitution},
	{model.StageSubtitles, model.StageTextToSpeech},
	{model.StageSongGeneration},
}

// Run executes every remote stage of plan and returns their terminal
// records in canonical order. Stage failures never abort other stages.
func (o *Orchestrator) Run(ctx context.Context, plan Plan, observe Observer) []model.RemoteJob {
	if observe == nil {
		observe = func(model.RemoteJob) {}
	}
	var (
		mu      sync.Mutex
		results = make(map[model.StageKind]model.RemoteJob)
		wg      sync.WaitGroup
	)
	for _, lane := range lanes {
		var selected []model.Stage
		for _, k := range lane {
			for _, st := range plan.Stages {
				if st.Kind == k {
					selected = append(selected, st)
				}
			}
		}
		if len(selected) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, rj := range o.runLane(ctx, plan, selected, observe) {
				mu.Lock()
				results[rj.Kind] = rj
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	out := make([]model.RemoteJob, 0, len(results))
	for _, k := range model.AllStageKinds {
		if rj, ok := results[k]; ok {
			out = append(out, rj)
		}
	}
	return out
}

func (o *Orchestrator) runLane(ctx context.Context, plan Plan, stages []model.Stage, observe Observer) []model.RemoteJob {
	out := make([]model.RemoteJob, 0, len(stages))
	inputs := plan.Inputs
	captions := ""
	skipReason := "skipped: subtitles did not produce caption text"

	for _, st := range stages {
		req := SubmitRequest{
			Kind:           st.Kind,
			Inputs:         inputs,
			Params:         st.Params,
			IdempotencyKey: plan.JobID + ":" + string(st.Kind),
		}

		if st.Kind == model.StageTextToSpeech {
			if captions == "" {
				rj := model.RemoteJob{
					Kind:           st.Kind,
					Status:         model.RemoteFailed,
					ErrorMessage:   skipReason,
					FinishedAtUnix: time.Now().Unix(),
				}
				observe(rj)
				out = append(out, rj)
				continue
			}
			req.Text = captions
		}

		rj := o.RunStage(ctx, req, observe)
		out = append(out, rj)

		if rj.Status != model.RemoteCompleted {
			continue
		}
		switch st.Kind {
		case model.StageSubtitles:
			captions = rj.ResultRef.Text
			if captions == "" && rj.ResultRef.CaptionRef != "" {
				text, err := o.cfg.CaptionText(ctx, rj.ResultRef.CaptionRef)
				if err != nil {
					skipReason = "skipped: caption text unavailable: " + err.Error()
					lg := log.WithComponentFromContext(ctx, "remote")
					lg.Warn().Err(err).
						Str(log.FieldStage, string(st.Kind)).
						Msg("could not read caption track")
				}
				captions = text
			}
		case model.StageObjectRemoval:
			inputs = rj.ResultRef.VideoRefs
		}
	}
	return out
}

// RunStage submits req and polls until the job is terminal, the attempt
// ceiling is reached or the stage timeout fires. The returned record is
// always terminal.
func (o *Orchestrator) RunStage(ctx context.Context, req SubmitRequest, observe Observer) model.RemoteJob {
	if observe == nil {
		observe = func(model.RemoteJob) {}
	}
	ctx, span := telemetry.StartSpan(ctx, "remote."+string(req.Kind),
		telemetry.StageAttributes(log.JobIDFromContext(ctx), string(req.Kind))...)
	ctx = log.ContextWithStage(ctx, string(req.Kind))
	logger := log.WithComponentFromContext(ctx, "remote")
	start := time.Now()

	sctx, cancel := context.WithTimeoutCause(ctx, o.cfg.StageTimeout, errStageTimeout)
	defer cancel()

	rj := model.RemoteJob{Kind: req.Kind}
	finish := func(status model.RemoteStatus, msg string) model.RemoteJob {
		rj.Status = status
		rj.ErrorMessage = msg
		rj.FinishedAtUnix = time.Now().Unix()
		observe(rj)
		metrics.RemoteStageDuration.WithLabelValues(string(req.Kind), string(status)).Observe(time.Since(start).Seconds())

		ev := logger.Info()
		var spanErr error
		if status != model.RemoteCompleted {
			ev = logger.Warn().Str("reason", msg)
			spanErr = errors.New(msg)
		}
		ev.Str("event", "remote.terminal").
			Str(log.FieldExternalJobID, rj.ExternalJobID).
			Str("status", string(status)).
			Int(log.FieldAttempt, rj.Attempts).
			Dur(log.FieldDuration, time.Since(start)).
			Msg("remote stage finished")
		telemetry.End(span, spanErr)
		return rj
	}
	interrupted := func() model.RemoteJob {
		if ctx.Err() != nil {
			return finish(model.RemoteFailed, "cancelled: "+context.Cause(ctx).Error())
		}
		return finish(model.RemoteTimedOut, fmt.Sprintf("no terminal status within %s", o.cfg.StageTimeout))
	}

	id, err := o.submit(sctx, req)
	if err != nil {
		if sctx.Err() != nil {
			return interrupted()
		}
		return finish(model.RemoteFailed, err.Error())
	}
	rj.ExternalJobID = id
	rj.Status = model.RemoteSubmitted
	rj.SubmittedAtUnix = time.Now().Unix()
	observe(rj)
	logger.Info().
		Str("event", "remote.submitted").
		Str(log.FieldExternalJobID, id).
		Int("inputs", len(req.Inputs)).
		Msg("remote stage submitted")

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for rj.Attempts < o.cfg.MaxAttempts {
		select {
		case <-sctx.Done():
			return interrupted()
		case <-ticker.C:
		}
		rj.Attempts++

		st, err := o.Poll(sctx, req.Kind, id)
		if err != nil {
			if sctx.Err() != nil {
				return interrupted()
			}
			logger.Warn().Err(err).
				Str("event", "remote.poll_failed").
				Int(log.FieldAttempt, rj.Attempts).
				Msg("status poll failed")
			continue
		}

		switch st.Status {
		case model.RemoteCompleted:
			if err := validateResult(req, st.Result); err != nil {
				return finish(model.RemoteFailed, err.Error())
			}
			rj.ResultRef = st.Result
			return finish(model.RemoteCompleted, "")
		case model.RemoteFailed:
			msg := st.Error
			if msg == "" {
				msg = "remote job failed"
			}
			return finish(model.RemoteFailed, msg)
		case model.RemoteTimedOut:
			return finish(model.RemoteTimedOut, "remote service timed out")
		case model.RemoteProcessing:
			if rj.Status != model.RemoteProcessing {
				rj.Status = model.RemoteProcessing
				observe(rj)
			}
		}
	}
	return finish(model.RemoteTimedOut, fmt.Sprintf("no terminal status after %d polls", rj.Attempts))
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest) (string, error) {
	var err error
	for i := 0; i < o.cfg.SubmitRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(o.cfg.RetryBackoff * time.Duration(i)):
			}
		}
		var id string
		id, err = o.client.Submit(ctx, req)
		if err == nil {
			return id, nil
		}
		if !httpx.IsTemporary(err) || errors.Is(err, resilience.ErrCircuitOpen) {
			return "", err
		}
	}
	return "", err
}

// Poll returns the current status of externalJobID. Terminal statuses are
// served from the cache; concurrent polls of one id share a request.
func (o *Orchestrator) Poll(ctx context.Context, kind model.StageKind, externalJobID string) (Status, error) {
	key := "remote:" + externalJobID
	if o.cache != nil {
		if st, ok := cache.GetJSON[Status](ctx, o.cache, key); ok {
			metrics.RecordCacheResult("remote", "hit")
			return st, nil
		}
		metrics.RecordCacheResult("remote", "miss")
	}

	v, err, _ := o.group.Do(externalJobID, func() (any, error) {
		st, err := o.client.GetStatus(ctx, externalJobID)
		if err != nil {
			return Status{}, err
		}
		metrics.RemotePolls.WithLabelValues(string(kind), string(st.Status)).Inc()
		if st.Status.IsTerminal() && o.cache != nil {
			_ = cache.SetJSON(ctx, o.cache, key, st, o.cfg.CacheTTL)
		}
		return st, nil
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// validateResult checks that a completed job carries what its kind promises.
func validateResult(req SubmitRequest, res *model.RemoteResult) error {
	if res == nil {
		return errors.New("completed without result")
	}
	switch req.Kind {
	case model.StageObjectRemoval, model.StageFaceSubstitution:
		if len(res.VideoRefs) != len(req.Inputs) {
			return fmt.Errorf("expected %d video results, got %d", len(req.Inputs), len(res.VideoRefs))
		}
	case model.StageSubtitles:
		if res.Text == "" && res.CaptionRef == "" {
			return errors.New("subtitles result has neither text nor captions")
		}
	case model.StageTextToSpeech, model.StageSongGeneration:
		if res.AudioRef == "" {
			return errors.New("result has no audio")
		}
	}
	return nil
}
