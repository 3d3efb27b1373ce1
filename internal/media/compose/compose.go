// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package compose joins processed segments into the final deliverable and
// wraps it with optional intro/outro clips, synthesized audio and captions.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

const (
	originalAudioLevel    = "0.3"
	synthesizedAudioLevel = "1.0"
)

// Input is everything the Composer needs for one job.
type Input struct {
	// Segments are the processed main-track segments in any order.
	Segments []model.Segment
	// Audio is an optional synthesized track mixed over the original.
	Audio string
	// Captions is an optional subtitle file muxed as a text track.
	Captions string
	// Intro and Outro are optional local clip paths.
	Intro string
	Outro string
}

// Result is a composed file. Partial is set when a requested addition could
// not be applied and the composition without it was kept.
type Result struct {
	Path     string
	Partial  bool
	Warnings []error
	// Applied lists the intro/outro stages present in Path.
	Applied []model.StageKind
	// AudioErr and CaptionsErr are set when Input.Audio or Input.Captions
	// is missing from Path.
	AudioErr    error
	CaptionsErr error
}

// Profile is the stream layout clips are encoded to before they are joined
// to main with stream copy.
type Profile struct {
	Width         int
	Height        int
	FPS           string
	HasAudio      bool
	SampleRate    int
	Channels      int
	ChannelLayout string
}

// DefaultProfile is used when main cannot be inspected.
var DefaultProfile = Profile{
	Width:         1280,
	Height:        720,
	FPS:           "30",
	HasAudio:      true,
	SampleRate:    48000,
	Channels:      2,
	ChannelLayout: "stereo",
}

// Composer drives ffmpeg to assemble the final file.
type Composer struct {
	exec   ffmpeg.Executor
	prober ffmpeg.Prober
	preset string
	crf    int
}

// New creates a Composer. prober may be nil, in which case intro/outro are
// normalized to DefaultProfile and main is assumed to match it.
func New(exec ffmpeg.Executor, prober ffmpeg.Prober, preset string, crf int) *Composer {
	if preset == "" {
		preset = "veryfast"
	}
	if crf == 0 {
		crf = 23
	}
	return &Composer{exec: exec, prober: prober, preset: preset, crf: crf}
}

// Compose builds the final file under workDir. Only a failure to build the
// main track is a COMPOSE error. A failed audio mix, caption mux or
// intro/outro join keeps the file built so far and marks the result partial.
func (c *Composer) Compose(ctx context.Context, in Input, workDir string) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "composer")
	start := time.Now()

	if len(in.Segments) == 0 {
		return Result{}, model.NewError(model.CodeCompose, "compose", "no segments")
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return Result{}, model.WrapError(model.CodeCompose, "mkdir", err)
	}

	segs := slices.Clone(in.Segments)
	slices.SortStableFunc(segs, func(a, b model.Segment) int { return a.Index - b.Index })

	cur := filepath.Join(workDir, "main.mp4")
	if err := c.concat(ctx, blobs(segs), filepath.Join(workDir, "main.txt"), cur); err != nil {
		return Result{}, c.fail(ctx, "concat", err)
	}

	var res Result
	if in.Audio != "" {
		next := filepath.Join(workDir, "mixed.mp4")
		if err := c.exec.Run(ctx, "compose_mix", MixArgs(cur, in.Audio, next, c.hasAudio(ctx, cur))...); err != nil {
			if ctx.Err() != nil {
				return Result{}, context.Cause(ctx)
			}
			res.AudioErr = fmt.Errorf("mix audio: %w", err)
			res.Partial = true
			res.Warnings = append(res.Warnings, res.AudioErr)
		} else {
			cur = next
		}
	}

	if in.Captions != "" {
		next := filepath.Join(workDir, "captioned.mp4")
		if err := c.exec.Run(ctx, "compose_captions", CaptionArgs(cur, in.Captions, next)...); err != nil {
			if ctx.Err() != nil {
				return Result{}, context.Cause(ctx)
			}
			res.CaptionsErr = fmt.Errorf("mux captions: %w", err)
			res.Partial = true
			res.Warnings = append(res.Warnings, res.CaptionsErr)
		} else {
			cur = next
		}
	}

	res.Path = cur
	if in.Intro != "" || in.Outro != "" {
		w := c.wrap(ctx, cur, in.Intro, in.Outro, workDir)
		if ctx.Err() != nil {
			return Result{}, context.Cause(ctx)
		}
		res.Path = w.Path
		res.Applied = w.Applied
		res.Partial = res.Partial || w.Partial
		res.Warnings = append(res.Warnings, w.Warnings...)
	}

	ev := logger.Info()
	if res.Partial {
		ev = logger.Warn().Err(errors.Join(res.Warnings...))
	}
	ev.Str("event", "compose.done").
		Int("segments", len(segs)).
		Bool("partial", res.Partial).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("composition finished")
	return res, nil
}

func (c *Composer) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return model.WrapError(model.CodeCompose, op, err)
}

// wrap encodes intro and outro to the profile of main and joins them around
// it. A main that does not share the clips' codecs is re-encoded to its own
// profile first. Any failure falls back to main alone.
func (c *Composer) wrap(ctx context.Context, main, intro, outro, workDir string) Result {
	res := Result{Path: main}
	prof, copyable := c.profile(ctx, main)

	var (
		parts   []string
		applied []model.StageKind
	)
	if intro != "" {
		p := filepath.Join(workDir, "intro_norm.mp4")
		if err := c.normalize(ctx, intro, p, prof); err != nil {
			res.Partial = true
			res.Warnings = append(res.Warnings, fmt.Errorf("intro: %w", err))
		} else {
			parts = append(parts, p)
			applied = append(applied, model.StageIntro)
		}
	}
	body := main
	if len(applied) > 0 || outro != "" {
		if !copyable {
			p := filepath.Join(workDir, "main_norm.mp4")
			args := NormalizeArgs(main, p, prof, prof.HasAudio, c.preset, c.crf)
			if err := c.exec.Run(ctx, "compose_normalize", args...); err != nil {
				res.Partial = true
				res.Warnings = append(res.Warnings, fmt.Errorf("re-encode main for join: %w", err))
				return res
			}
			body = p
		}
	}
	parts = append(parts, body)
	if outro != "" {
		p := filepath.Join(workDir, "outro_norm.mp4")
		if err := c.normalize(ctx, outro, p, prof); err != nil {
			res.Partial = true
			res.Warnings = append(res.Warnings, fmt.Errorf("outro: %w", err))
		} else {
			parts = append(parts, p)
			applied = append(applied, model.StageOutro)
		}
	}
	if len(parts) == 1 {
		return res
	}

	final := filepath.Join(workDir, "final.mp4")
	if err := c.concat(ctx, parts, filepath.Join(workDir, "final.txt"), final); err != nil {
		res.Partial = true
		res.Warnings = append(res.Warnings, fmt.Errorf("join intro/outro: %w", err))
		return res
	}
	res.Path = final
	res.Applied = applied
	return res
}

func (c *Composer) normalize(ctx context.Context, src, dst string, prof Profile) error {
	withAudio := true
	if c.prober != nil {
		if pr, err := c.prober.Probe(ctx, src); err == nil {
			withAudio = pr.HasAudio()
		}
	}
	return c.exec.Run(ctx, "compose_normalize", NormalizeArgs(src, dst, prof, withAudio, c.preset, c.crf)...)
}

func (c *Composer) concat(ctx context.Context, files []string, listPath, out string) error {
	if err := writeConcatList(listPath, files); err != nil {
		return err
	}
	defer func() { _ = os.Remove(listPath) }()
	return c.exec.Run(ctx, "compose_concat", ConcatArgs(listPath, out)...)
}

// profile reads the stream layout of path. copyable reports whether path
// already uses the codecs NormalizeArgs produces, so it can be joined with
// normalized clips without re-encoding.
func (c *Composer) profile(ctx context.Context, path string) (Profile, bool) {
	if c.prober == nil {
		return DefaultProfile, true
	}
	pr, err := c.prober.Probe(ctx, path)
	if err != nil {
		return DefaultProfile, true
	}
	return ProfileOf(pr)
}

// ProfileOf derives the join profile from a probe of main. Missing values
// fall back to DefaultProfile.
func ProfileOf(pr *ffmpeg.ProbeResult) (Profile, bool) {
	prof := DefaultProfile
	copyable := true

	vs, ok := pr.VideoStream()
	if ok {
		if vs.Width > 0 && vs.Height > 0 {
			prof.Width, prof.Height = vs.Width, vs.Height
		}
		if validRate(vs.RFrameRate) {
			prof.FPS = vs.RFrameRate
		}
		if vs.CodecName != "" && vs.CodecName != "h264" {
			copyable = false
		}
		if vs.PixFmt != "" && vs.PixFmt != "yuv420p" {
			copyable = false
		}
	}

	as, ok := pr.AudioStream()
	prof.HasAudio = ok
	if ok {
		if n, err := strconv.Atoi(as.SampleRate); err == nil && n > 0 {
			prof.SampleRate = n
		}
		if as.Channels > 0 {
			prof.Channels = as.Channels
			prof.ChannelLayout = channelLayout(as.Channels, as.ChannelLayout)
		}
		if as.CodecName != "" && as.CodecName != "aac" {
			copyable = false
		}
	}
	return prof, copyable
}

// validRate accepts an ffprobe rate such as "25/1" or "30000/1001".
func validRate(r string) bool {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		den = "1"
	}
	n, err1 := strconv.Atoi(num)
	d, err2 := strconv.Atoi(den)
	return err1 == nil && err2 == nil && n > 0 && d > 0
}

func channelLayout(channels int, probed string) string {
	if probed != "" && !strings.ContainsAny(probed, ":,;[]='\\ ") {
		return probed
	}
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	}
	return strconv.Itoa(channels) + "c"
}

func (c *Composer) hasAudio(ctx context.Context, path string) bool {
	if c.prober == nil {
		return true
	}
	pr, err := c.prober.Probe(ctx, path)
	if err != nil {
		return true
	}
	return pr.HasAudio()
}

func blobs(segs []model.Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.BlobRef
	}
	return out
}

// writeConcatList writes an ffconcat list. Paths are made absolute so the
// demuxer does not resolve them against the list location.
func writeConcatList(path string, files []string) error {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, `'`, `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// ConcatArgs joins the files of an ffconcat list without re-encoding.
func ConcatArgs(list, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0", "-i", list,
		"-map", "0", "-c", "copy",
		"-movflags", "+faststart",
		out,
	}
}

// MixArgs lays synthesized audio over main. With originalAudio the two are
// mixed at reduced original level and cut to the shorter input; otherwise
// the synthesized track replaces the missing one.
func MixArgs(main, audio, out string, originalAudio bool) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", main, "-i", audio}
	if originalAudio {
		graph := "[0:a]volume=" + originalAudioLevel + "[a0];" +
			"[1:a]volume=" + synthesizedAudioLevel + "[a1];" +
			"[a0][a1]amix=inputs=2:duration=shortest:normalize=0[aout]"
		args = append(args, "-filter_complex", graph, "-map", "0:v", "-map", "[aout]")
	} else {
		args = append(args, "-map", "0:v", "-map", "1:a", "-shortest")
	}
	return append(args,
		"-c:v", "copy",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		out,
	)
}

// CaptionArgs muxes a subtitle file as an mp4 text track.
func CaptionArgs(main, captions, out string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", main, "-i", captions,
		"-map", "0", "-map", "1:s:0",
		"-c", "copy", "-c:s", "mov_text",
		"-movflags", "+faststart",
		out,
	}
}

// NormalizeArgs re-encodes src to prof: letterboxed to its geometry at its
// frame rate, H.264 yuv420p video and AAC audio at its sample rate and
// channel count. When prof has audio and src has none a silent track is
// generated; when prof has none the output carries no audio. The result
// can be joined to a file of the same profile with the concat demuxer.
func NormalizeArgs(src, dst string, prof Profile, srcAudio bool, preset string, crf int) []string {
	ws, hs := strconv.Itoa(prof.Width), strconv.Itoa(prof.Height)
	vf := "scale=" + ws + ":" + hs + ":force_original_aspect_ratio=decrease," +
		"pad=" + ws + ":" + hs + ":(ow-iw)/2:(oh-ih)/2,setsar=1,fps=" + prof.FPS + ",format=yuv420p"

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", "file:" + src}
	switch {
	case !prof.HasAudio:
		args = append(args, "-map", "0:v:0")
	case srcAudio:
		args = append(args, "-map", "0:v:0", "-map", "0:a:0")
	default:
		args = append(args,
			"-f", "lavfi", "-i", "anullsrc=channel_layout="+prof.ChannelLayout+":sample_rate="+strconv.Itoa(prof.SampleRate),
			"-map", "0:v:0", "-map", "1:a:0", "-shortest")
	}
	args = append(args,
		"-vf", vf,
		"-c:v", "libx264", "-preset", preset, "-crf", strconv.Itoa(crf),
	)
	if prof.HasAudio {
		args = append(args,
			"-c:a", "aac", "-b:a", "128k",
			"-ar", strconv.Itoa(prof.SampleRate), "-ac", strconv.Itoa(prof.Channels))
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart", dst)
}
