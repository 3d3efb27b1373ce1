// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/artifact"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/remote"
	"golang.org/x/sync/errgroup"
)

// extras are remote results merged by the Composer.
type extras struct {
	audio    string
	captions string
	// audioKind is the stage that produced audio.
	audioKind model.StageKind
}

// remote runs the remote stages on the current segments and merges their
// results into the workspace. Visual results replace the segments.
func (r *run) remote(ctx context.Context, segs []model.Segment) ([]model.Segment, extras) {
	var stages []model.Stage
	for _, st := range r.stages {
		if st.Kind.IsRemote() {
			stages = append(stages, st)
		}
	}
	if len(stages) == 0 {
		return segs, extras{}
	}

	inputs, err := r.stageInputs(ctx, segs)
	if err != nil {
		if ctx.Err() != nil {
			return segs, extras{}
		}
		serr := model.WrapError(model.CodeUpload, "stage inputs", err)
		r.noteError(serr)
		for _, st := range stages {
			r.record(st.Kind, model.OutcomeFailed, serr)
		}
		r.logger.Warn().Err(err).Msg("could not stage remote inputs, skipping remote stages")
		return segs, extras{}
	}

	jobs := r.c.deps.Remote.Run(ctx, remote.Plan{JobID: r.id, Stages: stages, Inputs: inputs}, r.remoteObserver())
	if ctx.Err() != nil {
		return segs, extras{}
	}

	done := make(map[model.StageKind]*model.RemoteResult, len(jobs))
	for _, rj := range jobs {
		if rj.Status == model.RemoteCompleted && rj.ResultRef != nil {
			done[rj.Kind] = rj.ResultRef
			continue
		}
		msg := rj.ErrorMessage
		if msg == "" {
			msg = strings.ToLower(string(rj.Status))
		}
		serr := model.StageError(model.CodeRemoteStage, rj.Kind, errors.New(msg))
		r.noteError(serr)
		r.record(rj.Kind, model.OutcomeFailed, serr)
	}

	segs = r.mergeVisual(ctx, segs, done)
	var ex extras
	ex.captions = r.mergeCaptions(ctx, done)
	ex.audio, ex.audioKind = r.mergeAudio(ctx, done)
	return segs, ex
}

// stageInputs uploads the segments and returns their signed URLs in index
// order.
func (r *run) stageInputs(ctx context.Context, segs []model.Segment) ([]string, error) {
	urls := make([]string, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, seg := range segs {
		g.Go(func() error {
			u, err := r.c.deps.Artifacts.Upload(gctx, artifact.SegmentKey(r.id, seg.Index), seg.BlobRef)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

// mergeVisual downloads the newest visual result. FaceSubstitution output
// already contains a completed ObjectRemoval.
func (r *run) mergeVisual(ctx context.Context, segs []model.Segment, done map[model.StageKind]*model.RemoteResult) []model.Segment {
	face, faceOK := done[model.StageFaceSubstitution]
	obj, objOK := done[model.StageObjectRemoval]

	try := func(k model.StageKind, res *model.RemoteResult) ([]model.Segment, error) {
		if len(res.VideoRefs) != len(segs) {
			return nil, fmt.Errorf("expected %d videos, got %d", len(segs), len(res.VideoRefs))
		}
		out := make([]model.Segment, len(segs))
		for i, seg := range segs {
			dst := filepath.Join(r.dir, "remote", fmt.Sprintf("%s_%03d.mp4", strings.ToLower(string(k)), seg.Index))
			if err := r.fetch(ctx, res.VideoRefs[i], dst); err != nil {
				return nil, err
			}
			seg.BlobRef = dst
			out[i] = seg
		}
		return out, nil
	}

	if faceOK {
		out, err := try(model.StageFaceSubstitution, face)
		if err == nil {
			r.record(model.StageFaceSubstitution, model.OutcomeSucceeded, nil)
			if objOK {
				r.record(model.StageObjectRemoval, model.OutcomeSucceeded, nil)
			}
			return out
		}
		r.resultFailed(model.StageFaceSubstitution, err)
	}
	if objOK {
		out, err := try(model.StageObjectRemoval, obj)
		if err == nil {
			r.record(model.StageObjectRemoval, model.OutcomeSucceeded, nil)
			return out
		}
		r.resultFailed(model.StageObjectRemoval, err)
	}
	return segs
}

// mergeCaptions returns a caption file for the Composer. Text without a
// timed track becomes a single cue spanning the source.
func (r *run) mergeCaptions(ctx context.Context, done map[model.StageKind]*model.RemoteResult) string {
	res, ok := done[model.StageSubtitles]
	if !ok {
		return ""
	}
	var (
		dst string
		err error
	)
	if res.CaptionRef != "" {
		dst = filepath.Join(r.dir, "remote", "captions"+captionExt(res.CaptionRef))
		err = r.fetch(ctx, res.CaptionRef, dst)
	} else {
		dst = filepath.Join(r.dir, "remote", "captions.srt")
		err = writeSingleCueSRT(dst, res.Text, r.src.DurationSeconds)
	}
	if err != nil {
		r.resultFailed(model.StageSubtitles, err)
		return ""
	}
	r.record(model.StageSubtitles, model.OutcomeSucceeded, nil)
	return dst
}

// mergeAudio returns the synthesized track and the stage that produced it.
// Speech takes precedence; a generated song is used only when there is no
// speech track.
func (r *run) mergeAudio(ctx context.Context, done map[model.StageKind]*model.RemoteResult) (string, model.StageKind) {
	var (
		track string
		kind  model.StageKind
	)
	if res, ok := done[model.StageTextToSpeech]; ok {
		dst := filepath.Join(r.dir, "remote", "speech"+audioExt(res.AudioRef))
		if err := r.fetch(ctx, res.AudioRef, dst); err != nil {
			r.resultFailed(model.StageTextToSpeech, err)
		} else {
			r.record(model.StageTextToSpeech, model.OutcomeSucceeded, nil)
			track, kind = dst, model.StageTextToSpeech
		}
	}
	if res, ok := done[model.StageSongGeneration]; ok {
		if track != "" {
			r.resultFailed(model.StageSongGeneration, errors.New("superseded by speech track"))
			return track, kind
		}
		dst := filepath.Join(r.dir, "remote", "song"+audioExt(res.AudioRef))
		if err := r.fetch(ctx, res.AudioRef, dst); err != nil {
			r.resultFailed(model.StageSongGeneration, err)
		} else {
			r.record(model.StageSongGeneration, model.OutcomeSucceeded, nil)
			track, kind = dst, model.StageSongGeneration
		}
	}
	return track, kind
}

func (r *run) resultFailed(k model.StageKind, err error) {
	serr := model.StageError(model.CodeRemoteStage, k, fmt.Errorf("result: %w", err))
	r.noteError(serr)
	r.record(k, model.OutcomeFailed, serr)
	r.logger.Warn().Err(err).Str(log.FieldStage, string(k)).Msg("remote result not usable")
}

func (r *run) fetch(ctx context.Context, rawURL, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return r.c.deps.Download(ctx, rawURL, dst)
}

func captionExt(raw string) string {
	switch e := urlExt(raw); e {
	case ".srt", ".vtt", ".ass":
		return e
	}
	return ".srt"
}

func audioExt(raw string) string {
	switch e := urlExt(raw); e {
	case ".wav", ".mp3", ".m4a", ".aac", ".ogg", ".opus", ".flac":
		return e
	}
	return ".m4a"
}

func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// writeSingleCueSRT writes text as one cue from zero to duration.
func writeSingleCueSRT(dst, text string, durationSeconds float64) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty caption text")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	end := time.Duration(durationSeconds * float64(time.Second))
	body := fmt.Sprintf("1\n%s --> %s\n%s\n", srtTime(0), srtTime(end), strings.TrimSpace(text))
	return os.WriteFile(dst, []byte(body), 0o600)
}

func srtTime(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, d/time.Millisecond)
}
