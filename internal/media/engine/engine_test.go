// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExec writes the output named by the last arg after an optional
// per-input delay and records completion order.
type recordingExec struct {
	mu       sync.Mutex
	done     []string
	args     [][]string
	delays   map[string]time.Duration
	failWhen func(in string) bool
}

func (r *recordingExec) Run(ctx context.Context, _ string, args ...string) error {
	in := inputOf(args)
	if d := r.delays[in]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.failWhen != nil && r.failWhen(in) {
		return errors.New("encoder crashed")
	}
	if err := os.WriteFile(args[len(args)-1], []byte("fx:"+in), 0o600); err != nil {
		return err
	}
	r.mu.Lock()
	r.done = append(r.done, in)
	r.args = append(r.args, args)
	r.mu.Unlock()
	return nil
}

func inputOf(args []string) string {
	for i, a := range args {
		if a == "-i" {
			return args[i+1]
		}
	}
	return ""
}

func writeInputs(t *testing.T, n int, size int) []model.Segment {
	t.Helper()
	dir := t.TempDir()
	segs := make([]model.Segment, n)
	for i := range segs {
		p := filepath.Join(dir, fmt.Sprintf("seg_%03d.mp4", i))
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))
		segs[i] = model.Segment{Index: i, StartOffsetSeconds: float64(i * 60), DurationSeconds: 60, BlobRef: p}
	}
	return segs
}

func stages(ps ...model.StageParams) []model.Stage {
	out := make([]model.Stage, len(ps))
	for i, p := range ps {
		out[i] = model.Stage{Kind: p.Kind(), Params: p}
	}
	return out
}

func TestBuildChain_OrdersOverlaysLast(t *testing.T) {
	chain, err := BuildChain(stages(
		&model.TextOverlayParams{Text: "hello"},
		&model.AudioVolumeParams{Gain: 1.5},
		&model.ColorGradeParams{Brightness: 0.1, Saturation: 1.2},
		&model.MirrorParams{Horizontal: true},
		&model.SubtitlesParams{TargetLanguage: "en"},
		&model.CropAspectParams{Aspect: "9:16"},
	))
	require.NoError(t, err)

	assert.Equal(t, []model.StageKind{
		model.StageMirror, model.StageCropAspect, model.StageColorGrade,
		model.StageTextOverlay, model.StageAudioVolume,
	}, chain.Kinds(), "remote stages are ignored")

	graph := videoGraph(chain, "/w/t.txt")
	assert.True(t, strings.HasPrefix(graph, "[0:v]hflip,crop="), graph)
	assert.Less(t, strings.Index(graph, "eq=brightness=0.1:saturation=1.2"), strings.Index(graph, "drawtext="))
	assert.True(t, strings.HasSuffix(graph, "[vout]"))
	assert.Equal(t, []string{"volume=1.5"}, chain.audioFilters())
}

func TestBuildChain_Defaults(t *testing.T) {
	chain, err := BuildChain(stages(&model.UniquenessParams{}))
	require.NoError(t, err)
	assert.Equal(t,
		"scale='trunc(iw*1.02/2)*2':'trunc(ih*1.02/2)*2',crop='trunc(iw/1.02/2)*2':'trunc(ih/1.02/2)*2',hue=h=4",
		chain.Ops[0].Filter)

	_, err = BuildChain(stages(&model.MirrorParams{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, &model.Error{Code: model.CodeEngine, Stage: model.StageMirror})
}

func TestArgs_AudioOnlyCopiesVideo(t *testing.T) {
	e := New(&recordingExec{}, Config{})
	chain, err := BuildChain(stages(&model.AudioVolumeParams{Gain: 0.5}))
	require.NoError(t, err)

	args := e.Args("in.mp4", "out.mp4", chain, "")
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y", "-i", "in.mp4",
		"-map", "0:v?", "-map", "0:a?", "-c:v", "copy",
		"-af", "volume=0.5", "-c:a", "aac", "-b:a", "128k",
		"-threads", "1", "-movflags", "+faststart", "out.mp4",
	}, args)
}

func TestArgs_WatermarkUsesSecondInput(t *testing.T) {
	e := New(&recordingExec{}, Config{Preset: "veryfast", CRF: 23})
	chain, err := BuildChain(stages(
		&model.WatermarkParams{ImageURL: "/work/job/assets/watermark.png", Anchor: model.AnchorTopLeft, Opacity: 0.5},
		&model.MirrorParams{Vertical: true},
	))
	require.NoError(t, err)

	args := strings.Join(e.Args("in.mp4", "out.mp4", chain, ""), " ")
	assert.Contains(t, args, "-i in.mp4 -i file:/work/job/assets/watermark.png")
	assert.Contains(t, args, "[0:v]vflip[vbase]")
	assert.Contains(t, args, "colorchannelmixer=aa=0.5")
	assert.Contains(t, args, "overlay=x=20:y=20")
	assert.Contains(t, args, "-preset veryfast -crf 23")
	assert.Contains(t, args, "-threads 1")
}

func TestArgs_OverlayColorStaysInsideDrawtext(t *testing.T) {
	// Params built in code skip JobSpec validation; the graph must still hold.
	chain, err := BuildChain(stages(&model.TextOverlayParams{
		Text:  "hi",
		Color: "red[t];movie=/etc/passwd[m];[t][m]overlay",
	}))
	require.NoError(t, err)

	graph := videoGraph(chain, "/w/t.txt")
	assert.NotContains(t, graph, ";")
	assert.NotContains(t, graph, "movie=")
	assert.Equal(t, 1, strings.Count(graph, "[0:v]"))
	assert.Contains(t, graph, "fontcolor=redtmovieetcpasswdmtmoverlay:box=1")

	chain, err = BuildChain(stages(&model.TextOverlayParams{Text: "hi", Color: "#FF8800@0.5"}))
	require.NoError(t, err)
	assert.Contains(t, videoGraph(chain, "/w/t.txt"), "fontcolor=#FF8800@0.5:")
}

func TestApply_CapacityExceededBeforeLoading(t *testing.T) {
	fx := &recordingExec{}
	e := New(fx, Config{MaxInputBytes: 10})
	segs := writeInputs(t, 1, 11)
	chain, err := BuildChain(stages(&model.MirrorParams{Horizontal: true}))
	require.NoError(t, err)

	err = e.Apply(context.Background(), segs[0].BlobRef, filepath.Join(t.TempDir(), "o.mp4"), chain)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrEngineCapacityExceeded)
	assert.Empty(t, fx.args, "ffmpeg never started")
}

func TestApply_WritesAndRemovesOverlayText(t *testing.T) {
	fx := &recordingExec{}
	e := New(fx, Config{})
	segs := writeInputs(t, 1, 1)
	chain, err := BuildChain(stages(&model.TextOverlayParams{Text: "it's: here"}))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "o.mp4")
	require.NoError(t, e.Apply(context.Background(), segs[0].BlobRef, out, chain))
	require.Len(t, fx.args, 1)
	assert.Contains(t, strings.Join(fx.args[0], " "), "textfile='"+out+".txt'")
	assert.NoFileExists(t, out+".txt")
}

func TestProcessSegments_PreservesOrderWhenFinishingOutOfOrder(t *testing.T) {
	segs := writeInputs(t, 3, 1)
	fx := &recordingExec{delays: map[string]time.Duration{
		segs[0].BlobRef: 150 * time.Millisecond,
		segs[1].BlobRef: 75 * time.Millisecond,
	}}
	e := New(fx, Config{Concurrency: 3})
	chain, err := BuildChain(stages(&model.MirrorParams{Horizontal: true}))
	require.NoError(t, err)

	out, err := e.ProcessSegments(context.Background(), segs, chain, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{segs[2].BlobRef, segs[1].BlobRef, segs[0].BlobRef}, fx.done, "completion order is reversed")
	for i, s := range out {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, segs[i].StartOffsetSeconds, s.StartOffsetSeconds)
		data, err := os.ReadFile(s.BlobRef)
		require.NoError(t, err)
		assert.Equal(t, "fx:"+segs[i].BlobRef, string(data))
	}
}

func TestProcessSegments_AllOrNothing(t *testing.T) {
	segs := writeInputs(t, 3, 1)
	fx := &recordingExec{failWhen: func(in string) bool { return in == segs[1].BlobRef }}
	e := New(fx, Config{Concurrency: 1})
	chain, err := BuildChain(stages(&model.MirrorParams{Horizontal: true}))
	require.NoError(t, err)

	outDir := t.TempDir()
	out, err := e.ProcessSegments(context.Background(), segs, chain, outDir)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, model.ErrEngine)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
