// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package engine is the local transcoding engine: it applies a declarative
// filter chain to a media file with one ffmpeg invocation per call.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"golang.org/x/sync/errgroup"
)

// Config tunes encoding and the input ceiling.
type Config struct {
	// MaxInputBytes rejects larger inputs before ffmpeg is started.
	MaxInputBytes int64
	Preset        string
	CRF           int
	// Concurrency bounds parallel segment processing.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Preset == "" {
		c.Preset = "veryfast"
	}
	if c.CRF == 0 {
		c.CRF = 23
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Engine applies filter chains.
type Engine struct {
	exec ffmpeg.Executor
	cfg  Config
}

// New creates an Engine.
func New(exec ffmpeg.Executor, cfg Config) *Engine {
	return &Engine{exec: exec, cfg: cfg.withDefaults()}
}

// Apply renders chain from in to out. Inputs above the configured ceiling
// fail with ENGINE_CAPACITY before any decoding starts.
func (e *Engine) Apply(ctx context.Context, in, out string, chain FilterChain) error {
	if chain.Empty() {
		return model.NewError(model.CodeEngine, "apply", "empty filter chain")
	}
	info, err := os.Stat(in)
	if err != nil {
		return model.WrapError(model.CodeEngine, "stat input", err)
	}
	if e.cfg.MaxInputBytes > 0 && info.Size() > e.cfg.MaxInputBytes {
		metrics.EngineRejections.WithLabelValues("input_too_large").Inc()
		return model.NewError(model.CodeEngineCapacity, "apply",
			"input %d bytes exceeds engine ceiling %d", info.Size(), e.cfg.MaxInputBytes)
	}

	var textFile string
	for _, op := range chain.Ops {
		if op.Text != nil {
			textFile = out + ".txt"
			if err := os.WriteFile(textFile, []byte(op.Text.Text), 0o600); err != nil {
				return model.WrapError(model.CodeEngine, "write overlay text", err)
			}
			defer func() { _ = os.Remove(textFile) }()
			break
		}
	}

	args := e.Args(in, out, chain, textFile)
	if err := e.exec.Run(ctx, "apply", args...); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return model.WrapError(model.CodeEngine, "apply", err)
	}
	return nil
}

// Args builds the ffmpeg invocation for chain. textFile holds the overlay
// text when the chain draws text.
func (e *Engine) Args(in, out string, chain FilterChain, textFile string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in}
	wm := chain.watermark()
	if wm != nil {
		args = append(args, "-i", localInput(wm.ImageURL))
	}

	if chain.hasVideo() {
		args = append(args, "-filter_complex", videoGraph(chain, textFile), "-map", "[vout]", "-map", "0:a?")
		args = append(args,
			"-c:v", "libx264",
			"-preset", e.cfg.Preset,
			"-crf", strconv.Itoa(e.cfg.CRF),
			"-pix_fmt", "yuv420p",
		)
	} else {
		args = append(args, "-map", "0:v?", "-map", "0:a?", "-c:v", "copy")
	}

	if af := chain.audioFilters(); len(af) > 0 {
		args = append(args, "-af", strings.Join(af, ","), "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-c:a", "copy")
	}
	return append(args, "-threads", "1", "-movflags", "+faststart", out)
}

// videoGraph renders the filter_complex for the video ops of chain. The
// final pad is always [vout].
func videoGraph(chain FilterChain, textFile string) string {
	var simple []string
	for _, op := range chain.Ops {
		switch {
		case op.Phase == PhaseAudio:
		case op.Text != nil:
			simple = append(simple, drawtext(op.Text, textFile))
		case op.Watermark != nil:
			// Rendered below as a second graph branch.
		default:
			simple = append(simple, op.Filter)
		}
	}

	wm := chain.watermark()
	base := "null"
	if len(simple) > 0 {
		base = strings.Join(simple, ",")
	}
	if wm == nil {
		return "[0:v]" + base + "[vout]"
	}

	opacity := wm.Opacity
	if opacity == 0 {
		opacity = defaultOpacity
	}
	width := wm.WidthPercent
	if width == 0 {
		width = defaultWidthPercent
	}
	x, y := overlayPosition(wm.Anchor)
	return fmt.Sprintf(
		"[0:v]%s[vbase];[1:v][vbase]scale2ref=w='main_w*%s':h='ow/a'[wmraw][vref];"+
			"[wmraw]format=rgba,colorchannelmixer=aa=%s[wm];[vref][wm]overlay=x=%s:y=%s:format=auto[vout]",
		base, num(width/100), num(opacity), x, y)
}

func drawtext(p *model.TextOverlayParams, textFile string) string {
	size := p.FontSize
	if size == 0 {
		size = defaultFontSize
	}
	color := p.Color
	if color == "" {
		color = defaultFontColor
	}
	x, y := textPosition(p.Anchor)
	return fmt.Sprintf("drawtext=textfile='%s':fontsize=%d:fontcolor=%s:box=1:boxcolor=black@0.4:boxborderw=8:x=%s:y=%s",
		escapeFilterPath(textFile), size, colorToken(color), x, y)
}

// colorToken strips everything but the characters of a color name or hex
// value, so a color can never open a new option, filter or graph link.
func colorToken(c string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '#', r == '@', r == '.':
			return r
		}
		return -1
	}, c)
}

// localInput pins path to ffmpeg's file protocol. Watermark images are
// fetched into the workspace beforehand; a URL here is read as a file name.
func localInput(path string) string {
	return "file:" + path
}

// escapeFilterPath closes and reopens the quote around embedded single quotes.
func escapeFilterPath(p string) string {
	return strings.ReplaceAll(p, `'`, `'\''`)
}

// ProcessSegments applies chain to every segment concurrently, bounded by
// Config.Concurrency. Results are indexed like the input regardless of
// completion order. It is all-or-nothing: if any segment fails, the first
// error is returned and no processed outputs are kept.
func (e *Engine) ProcessSegments(ctx context.Context, segs []model.Segment, chain FilterChain, outDir string) ([]model.Segment, error) {
	logger := log.WithComponentFromContext(ctx, "engine")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, model.WrapError(model.CodeEngine, "mkdir", err)
	}

	out := make([]model.Segment, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	start := time.Now()

	for i := range segs {
		seg := segs[i]
		g.Go(func() error {
			dst := filepath.Join(outDir, fmt.Sprintf("fx_%03d.mp4", seg.Index))
			if err := e.Apply(gctx, seg.BlobRef, dst, chain); err != nil {
				_ = os.Remove(dst)
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			processed := seg
			processed.BlobRef = dst
			out[i] = processed
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range out {
			if s.BlobRef != "" {
				_ = os.Remove(s.BlobRef)
			}
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}

	logger.Info().
		Str("event", "engine.segments_done").
		Int("segments", len(segs)).
		Strs("ops", kindStrings(chain.Kinds())).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("local effects applied")
	return out, nil
}

func kindStrings(kinds []model.StageKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
