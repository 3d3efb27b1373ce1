// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segment slices long sources into bounded, consecutive segments.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// Plan partitions duration into ceil(duration/threshold) consecutive segments
// of threshold seconds each, the last one truncated to the remainder.
// Arithmetic is done on whole milliseconds so the parts always add up.
// A duration at or below the threshold yields one segment.
func Plan(durationSeconds, thresholdSeconds float64) ([]model.Segment, error) {
	if durationSeconds <= 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return nil, fmt.Errorf("invalid duration %v", durationSeconds)
	}
	if thresholdSeconds <= 0 || math.IsNaN(thresholdSeconds) || math.IsInf(thresholdSeconds, 0) {
		return nil, fmt.Errorf("invalid threshold %v", thresholdSeconds)
	}
	if durationSeconds <= thresholdSeconds {
		return []model.Segment{{Index: 0, DurationSeconds: durationSeconds}}, nil
	}

	total := toMillis(durationSeconds)
	step := toMillis(thresholdSeconds)
	if step <= 0 {
		return nil, fmt.Errorf("threshold %v below millisecond resolution", thresholdSeconds)
	}
	n := (total + step - 1) / step

	segs := make([]model.Segment, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * step
		dur := min(step, total-start)
		segs = append(segs, model.Segment{
			Index:              int(i),
			StartOffsetSeconds: fromMillis(start),
			DurationSeconds:    fromMillis(dur),
		})
	}
	return segs, nil
}

func toMillis(s float64) int64   { return int64(math.Round(s * 1000)) }
func fromMillis(ms int64) float64 { return float64(ms) / 1000 }

// Segmenter performs copy-mode slicing with ffmpeg.
type Segmenter struct {
	exec ffmpeg.Executor
}

// New creates a Segmenter.
func New(exec ffmpeg.Executor) *Segmenter {
	return &Segmenter{exec: exec}
}

// Split slices blob into planned segments under outDir. A source at or below
// the threshold comes back as a single segment referencing blob itself, with
// no ffmpeg work. Slicing is all-or-nothing: on any failure every partial
// output is removed and a SEGMENTATION error is returned.
func (s *Segmenter) Split(ctx context.Context, blob string, durationSeconds, thresholdSeconds float64, outDir string) ([]model.Segment, error) {
	plan, err := Plan(durationSeconds, thresholdSeconds)
	if err != nil {
		return nil, model.WrapError(model.CodeSegmentation, "plan", err)
	}
	if len(plan) == 1 {
		plan[0].BlobRef = blob
		return plan, nil
	}

	logger := log.WithComponentFromContext(ctx, "segmenter")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, model.WrapError(model.CodeSegmentation, "mkdir", err)
	}

	written := make([]string, 0, len(plan))
	cleanup := func() {
		for _, p := range written {
			_ = os.Remove(p)
		}
	}

	for i := range plan {
		out := filepath.Join(outDir, fmt.Sprintf("seg_%03d.mp4", plan[i].Index))
		written = append(written, out)
		if err := s.exec.Run(ctx, "segment", Args(blob, out, plan[i])...); err != nil {
			cleanup()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, err
			}
			logger.Warn().
				Err(err).
				Str("event", "segment.failed").
				Int(log.FieldSegment, plan[i].Index).
				Msg("segment copy failed, discarding partial split")
			return nil, model.WrapError(model.CodeSegmentation, fmt.Sprintf("segment %d", plan[i].Index), err)
		}
		if _, err := os.Stat(out); err != nil {
			cleanup()
			return nil, model.WrapError(model.CodeSegmentation, fmt.Sprintf("segment %d", plan[i].Index),
				errors.Join(errors.New("output missing"), err))
		}
		plan[i].BlobRef = out
	}

	logger.Info().
		Str("event", "segment.split").
		Int("segments", len(plan)).
		Float64("duration_s", durationSeconds).
		Msg("source split into segments")
	return plan, nil
}

// Args builds the copy-mode slice command for one segment.
func Args(in, out string, seg model.Segment) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-ss", formatSeconds(seg.StartOffsetSeconds),
		"-i", in,
		"-t", formatSeconds(seg.DurationSeconds),
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		out,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
