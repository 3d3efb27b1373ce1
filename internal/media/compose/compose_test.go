// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op   string
	args []string
	list string
}

type fakeExec struct {
	calls []call
	fail  map[string]bool
	// failInput fails a normalize call whose -i matches.
	failInput string
}

func (f *fakeExec) Run(_ context.Context, op string, args ...string) error {
	c := call{op: op, args: args}
	if op == "compose_concat" {
		data, err := os.ReadFile(args[indexOf(args, "-i")+1])
		if err != nil {
			return err
		}
		c.list = string(data)
	}
	f.calls = append(f.calls, c)
	if f.fail[op] {
		return errors.New(op + " failed")
	}
	if f.failInput != "" && strings.TrimPrefix(args[indexOf(args, "-i")+1], "file:") == f.failInput {
		return errors.New("unreachable clip")
	}
	return os.WriteFile(args[len(args)-1], []byte(op), 0o600)
}

func (f *fakeExec) ops() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

type fakeProber struct {
	byPath map[string]*ffmpeg.ProbeResult
}

func (p fakeProber) Probe(_ context.Context, path string) (*ffmpeg.ProbeResult, error) {
	if r, ok := p.byPath[filepath.Base(path)]; ok {
		return r, nil
	}
	return nil, errors.New("no probe")
}

func video(w, h int, audio bool) *ffmpeg.ProbeResult {
	r := &ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{{CodecType: "video", Width: w, Height: h}}}
	if audio {
		r.Streams = append(r.Streams, ffmpeg.Stream{CodecType: "audio"})
	}
	return r
}

func segments(dir string, order ...int) []model.Segment {
	out := make([]model.Segment, 0, len(order))
	for _, i := range order {
		out = append(out, model.Segment{Index: i, BlobRef: filepath.Join(dir, "fx_"+string(rune('0'+i))+".mp4")})
	}
	return out
}

func TestCompose_ConcatsInIndexOrder(t *testing.T) {
	fx := &fakeExec{}
	dir := t.TempDir()
	res, err := New(fx, nil, "", 0).Compose(context.Background(), Input{Segments: segments("/w", 2, 0, 1)}, dir)
	require.NoError(t, err)

	assert.False(t, res.Partial)
	assert.Equal(t, filepath.Join(dir, "main.mp4"), res.Path)
	require.Len(t, fx.calls, 1)
	assert.Equal(t,
		"ffconcat version 1.0\nfile '/w/fx_0.mp4'\nfile '/w/fx_1.mp4'\nfile '/w/fx_2.mp4'\n",
		fx.calls[0].list)
	assert.Contains(t, strings.Join(fx.calls[0].args, " "), "-f concat -safe 0")
	assert.NoFileExists(t, filepath.Join(dir, "main.txt"))
}

func TestCompose_MixesAudioAndCaptions(t *testing.T) {
	fx := &fakeExec{}
	dir := t.TempDir()
	in := Input{Segments: segments("/w", 0), Audio: "/w/tts.m4a", Captions: "/w/captions.srt"}
	res, err := New(fx, fakeProber{byPath: map[string]*ffmpeg.ProbeResult{"main.mp4": video(640, 360, true)}}, "", 0).
		Compose(context.Background(), in, dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"compose_concat", "compose_mix", "compose_captions"}, fx.ops())
	assert.Equal(t, filepath.Join(dir, "captioned.mp4"), res.Path)

	mix := strings.Join(fx.calls[1].args, " ")
	assert.Contains(t, mix, "[0:a]volume=0.3[a0];[1:a]volume=1.0[a1];[a0][a1]amix=inputs=2:duration=shortest")
	assert.Contains(t, strings.Join(fx.calls[2].args, " "), "-c:s mov_text")
}

func TestMixArgs_SilentMainUsesSynthesizedTrack(t *testing.T) {
	args := strings.Join(MixArgs("m.mp4", "a.m4a", "o.mp4", false), " ")
	assert.Contains(t, args, "-map 0:v -map 1:a -shortest")
	assert.NotContains(t, args, "amix")
}

func TestCompose_IntroOutroNormalizedToMainGeometry(t *testing.T) {
	fx := &fakeExec{}
	dir := t.TempDir()
	prober := fakeProber{byPath: map[string]*ffmpeg.ProbeResult{
		"main.mp4":  video(1080, 1920, true),
		"intro.mp4": video(640, 480, false),
	}}
	in := Input{Segments: segments("/w", 0, 1), Intro: "/clips/intro.mp4", Outro: "/clips/outro.mp4"}
	res, err := New(fx, prober, "veryfast", 23).Compose(context.Background(), in, dir)
	require.NoError(t, err)

	assert.False(t, res.Partial)
	assert.Equal(t, filepath.Join(dir, "final.mp4"), res.Path)
	assert.Equal(t, []model.StageKind{model.StageIntro, model.StageOutro}, res.Applied)
	assert.Equal(t, []string{"compose_concat", "compose_normalize", "compose_normalize", "compose_concat"}, fx.ops())

	intro := strings.Join(fx.calls[1].args, " ")
	assert.Contains(t, intro, "scale=1080:1920:force_original_aspect_ratio=decrease")
	assert.Contains(t, intro, "anullsrc", "intro without audio gets a silent track")
	outro := strings.Join(fx.calls[2].args, " ")
	assert.Contains(t, outro, "-map 0:a:0", "outro of unknown layout keeps its own audio")

	assert.Equal(t, "ffconcat version 1.0\n"+
		"file '"+filepath.Join(dir, "intro_norm.mp4")+"'\n"+
		"file '"+filepath.Join(dir, "main.mp4")+"'\n"+
		"file '"+filepath.Join(dir, "outro_norm.mp4")+"'\n", fx.calls[3].list)
}

func TestCompose_FallbackGeometry(t *testing.T) {
	fx := &fakeExec{}
	_, err := New(fx, nil, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Outro: "/clips/outro.mp4"}, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, strings.Join(fx.calls[1].args, " "), "scale=1280:720:")
}

func TestCompose_IntroFailureKeepsMainOnly(t *testing.T) {
	fx := &fakeExec{failInput: "/clips/intro.mp4"}
	dir := t.TempDir()
	res, err := New(fx, nil, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Intro: "/clips/intro.mp4"}, dir)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Equal(t, filepath.Join(dir, "main.mp4"), res.Path)
	assert.Empty(t, res.Applied)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Error(), "intro")
}

func TestCompose_OutroKeptWhenIntroFails(t *testing.T) {
	fx := &fakeExec{failInput: "/clips/intro.mp4"}
	dir := t.TempDir()
	res, err := New(fx, nil, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Intro: "/clips/intro.mp4", Outro: "/clips/outro.mp4"}, dir)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Equal(t, filepath.Join(dir, "final.mp4"), res.Path)
	assert.Equal(t, []model.StageKind{model.StageOutro}, res.Applied)
}

func TestCompose_MainFailureIsComposeError(t *testing.T) {
	fx := &fakeExec{fail: map[string]bool{"compose_concat": true}}
	_, err := New(fx, nil, "", 0).Compose(context.Background(), Input{Segments: segments("/w", 0, 1)}, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCompose)

	_, err = New(&fakeExec{}, nil, "", 0).Compose(context.Background(), Input{}, t.TempDir())
	assert.ErrorIs(t, err, model.ErrCompose)
}

func TestCompose_MixFailureKeepsMainTrack(t *testing.T) {
	fx := &fakeExec{fail: map[string]bool{"compose_mix": true}}
	dir := t.TempDir()
	res, err := New(fx, nil, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0, 1, 2), Audio: "/w/speech.m4a", Captions: "/w/captions.srt"}, dir)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	require.Error(t, res.AudioErr)
	assert.Contains(t, res.AudioErr.Error(), "mix audio")
	assert.NoError(t, res.CaptionsErr)
	assert.Equal(t, filepath.Join(dir, "captioned.mp4"), res.Path)
	assert.Equal(t, filepath.Join(dir, "main.mp4"), fx.calls[2].args[indexOf(fx.calls[2].args, "-i")+1],
		"captions are muxed onto the joined main track")
}

func TestCompose_CaptionFailureKeepsMixedTrack(t *testing.T) {
	fx := &fakeExec{fail: map[string]bool{"compose_captions": true}}
	dir := t.TempDir()
	res, err := New(fx, nil, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Audio: "/w/song.mp3", Captions: "/w/captions.srt"}, dir)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.NoError(t, res.AudioErr)
	require.Error(t, res.CaptionsErr)
	assert.Equal(t, filepath.Join(dir, "mixed.mp4"), res.Path)
	require.Len(t, res.Warnings, 1)
}

func TestCompose_ClipsFollowMainProfile(t *testing.T) {
	main := &ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{
		{CodecType: "video", CodecName: "h264", PixFmt: "yuv420p", Width: 720, Height: 1280, RFrameRate: "25/1"},
		{CodecType: "audio", CodecName: "aac", SampleRate: "44100", Channels: 1, ChannelLayout: "mono"},
	}}
	fx := &fakeExec{}
	dir := t.TempDir()
	prober := fakeProber{byPath: map[string]*ffmpeg.ProbeResult{
		"main.mp4":  main,
		"intro.mp4": video(640, 480, false),
	}}
	res, err := New(fx, prober, "veryfast", 23).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Intro: "/work/assets/intro.mp4"}, dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"compose_concat", "compose_normalize", "compose_concat"}, fx.ops())
	assert.Equal(t, filepath.Join(dir, "final.mp4"), res.Path)
	intro := strings.Join(fx.calls[1].args, " ")
	assert.Contains(t, intro, "-i file:/work/assets/intro.mp4")
	assert.Contains(t, intro, "scale=720:1280:")
	assert.Contains(t, intro, "fps=25/1,")
	assert.Contains(t, intro, "anullsrc=channel_layout=mono:sample_rate=44100")
	assert.Contains(t, intro, "-ar 44100 -ac 1")
	assert.NotContains(t, intro, "fps=30")
}

func TestCompose_MainReencodedWhenCodecsDiffer(t *testing.T) {
	main := &ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{
		{CodecType: "video", CodecName: "hevc", PixFmt: "yuv420p10le", Width: 1920, Height: 1080, RFrameRate: "60/1"},
		{CodecType: "audio", CodecName: "opus", SampleRate: "48000", Channels: 2},
	}}
	fx := &fakeExec{}
	dir := t.TempDir()
	prober := fakeProber{byPath: map[string]*ffmpeg.ProbeResult{"main.mp4": main}}
	res, err := New(fx, prober, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Outro: "/work/assets/outro.mp4"}, dir)
	require.NoError(t, err)

	assert.False(t, res.Partial)
	assert.Equal(t, []string{"compose_concat", "compose_normalize", "compose_normalize", "compose_concat"}, fx.ops())
	body := strings.Join(fx.calls[1].args, " ")
	assert.Contains(t, body, "-i file:"+filepath.Join(dir, "main.mp4"))
	assert.Contains(t, body, "fps=60/1,format=yuv420p")
	assert.Contains(t, body, "-map 0:a:0")
	assert.Equal(t, "ffconcat version 1.0\n"+
		"file '"+filepath.Join(dir, "main_norm.mp4")+"'\n"+
		"file '"+filepath.Join(dir, "outro_norm.mp4")+"'\n", fx.calls[3].list)
}

func TestCompose_MainReencodeFailureKeepsMain(t *testing.T) {
	main := &ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{{CodecType: "video", CodecName: "vp9", Width: 640, Height: 360}}}
	dir := t.TempDir()
	fx := &fakeExec{failInput: filepath.Join(dir, "main.mp4")}
	prober := fakeProber{byPath: map[string]*ffmpeg.ProbeResult{"main.mp4": main}}
	res, err := New(fx, prober, "", 0).Compose(context.Background(),
		Input{Segments: segments("/w", 0), Intro: "/work/assets/intro.mp4"}, dir)
	require.NoError(t, err)

	assert.True(t, res.Partial)
	assert.Empty(t, res.Applied)
	assert.Equal(t, filepath.Join(dir, "main.mp4"), res.Path)
}

func TestNormalizeArgs_SilentMain(t *testing.T) {
	prof := DefaultProfile
	prof.HasAudio = false
	args := strings.Join(NormalizeArgs("/a/intro.mp4", "/a/out.mp4", prof, true, "veryfast", 23), " ")
	assert.Contains(t, args, "-map 0:v:0 -vf")
	assert.Contains(t, args, "-an")
	assert.NotContains(t, args, "0:a:0")
	assert.NotContains(t, args, "anullsrc")
}

func TestProfileOf(t *testing.T) {
	prof, copyable := ProfileOf(video(0, 0, false))
	assert.True(t, copyable)
	assert.False(t, prof.HasAudio)
	assert.Equal(t, 1280, prof.Width)
	assert.Equal(t, "30", prof.FPS)

	prof, copyable = ProfileOf(&ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{
		{CodecType: "video", CodecName: "h264", PixFmt: "yuv420p", RFrameRate: "0/0"},
		{CodecType: "audio", CodecName: "mp3", SampleRate: "22050", Channels: 6, ChannelLayout: "5.1(side)"},
	}})
	assert.False(t, copyable)
	assert.Equal(t, "30", prof.FPS)
	assert.Equal(t, 22050, prof.SampleRate)
	assert.Equal(t, 6, prof.Channels)
	assert.Equal(t, "5.1(side)", prof.ChannelLayout)

	prof, _ = ProfileOf(&ffmpeg.ProbeResult{Streams: []ffmpeg.Stream{
		{CodecType: "audio", Channels: 4, ChannelLayout: "x:y"},
	}})
	assert.Equal(t, "4c", prof.ChannelLayout)
}
