// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuGH/mediaforge/internal/media/ffmpeg/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)

	_, _ = fmt.Fprintf(r, "line1\n")
	_, _ = fmt.Fprintf(r, "line2\n")
	assert.Equal(t, []string{"line1", "line2"}, r.LastN(10))

	_, _ = fmt.Fprintf(r, "line3\n")
	assert.Equal(t, []string{"line1", "line2", "line3"}, r.LastN(10))

	_, _ = fmt.Fprintf(r, "line4\n")
	assert.Equal(t, []string{"line2", "line3", "line4"}, r.LastN(10))
	assert.Equal(t, []string{"line3", "line4"}, r.LastN(2))
}

func TestLineRing_SplitsAndSkipsBlank(t *testing.T) {
	r := NewLineRing(5)
	_, _ = r.Write([]byte("foo\r\n\nbar\n"))
	assert.Equal(t, []string{"foo", "bar"}, r.LastN(10))
	assert.Empty(t, NewLineRing(0).LastN(3))
}

func TestRunner_Success(t *testing.T) {
	r := NewRunner("sh", 100*time.Millisecond)
	out, err := r.Output(context.Background(), "test", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestRunner_ExitErrorCarriesStderr(t *testing.T) {
	r := NewRunner("sh", 100*time.Millisecond)
	err := r.Run(context.Background(), "test", "-c", "echo 'Invalid data found' >&2; exit 3")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, []string{"Invalid data found"}, exitErr.Stderr)
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestRunner_CancelTerminatesProcess(t *testing.T) {
	r := NewRunner("sh", 200*time.Millisecond)
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stopped by caller")

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(stop)
	}()

	start := time.Now()
	err := r.Run(ctx, "test", "-c", "trap '' TERM; sleep 30")
	assert.ErrorIs(t, err, stop)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_WatchdogTerminatesStalledProcess(t *testing.T) {
	r := NewRunner("sh", 100*time.Millisecond).WithWatchdog(2*time.Second, 200*time.Millisecond)
	r.progressArgs = nil

	start := time.Now()
	err := r.Run(context.Background(), "test", "-c", "echo out_time_us=1000; sleep 30")
	require.ErrorIs(t, err, watchdog.ErrStalled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_WatchdogLetsProgressingProcessFinish(t *testing.T) {
	r := NewRunner("sh", 100*time.Millisecond).WithWatchdog(2*time.Second, 2*time.Second)
	r.progressArgs = nil

	err := r.Run(context.Background(), "test", "-c",
		"echo out_time_us=1000; sleep 0.2; echo out_time_us=2000; echo progress=end; sleep 0.2")
	require.NoError(t, err)
}

func TestRunner_WatchdogPrependsProgressArgs(t *testing.T) {
	r := NewRunner("sh", 100*time.Millisecond).WithWatchdog(time.Second, time.Second)
	r.progressArgs = []string{"-c", "echo progress=end"}

	// The prepended script runs; the caller's args become positional.
	require.NoError(t, r.Run(context.Background(), "test", "ignored"))
}

func TestRunner_AlreadyCancelled(t *testing.T) {
	r := NewRunner("sh", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx, "test", "-c", "true"), context.Canceled)
}

func TestRunner_MissingBinary(t *testing.T) {
	r := NewRunner("/nonexistent/ffmpeg", time.Second)
	err := r.Run(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
}

func TestParseProbe(t *testing.T) {
	res, err := ParseProbe([]byte(`{
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "pix_fmt": "yuv420p", "r_frame_rate": "30000/1001"},
			{"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100", "channels": 1, "channel_layout": "mono"}
		],
		"format": {"filename": "in.mp4", "format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "125.040000", "size": "1048576"}
	}`))
	require.NoError(t, err)

	d, err := res.DurationSeconds()
	require.NoError(t, err)
	assert.InDelta(t, 125.04, d, 1e-9)

	size, err := res.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), size)

	v, ok := res.VideoStream()
	require.True(t, ok)
	assert.Equal(t, 1920, v.Width)
	assert.Equal(t, "yuv420p", v.PixFmt)
	assert.Equal(t, "30000/1001", v.RFrameRate)
	a, ok := res.AudioStream()
	require.True(t, ok)
	assert.Equal(t, "44100", a.SampleRate)
	assert.Equal(t, 1, a.Channels)
	assert.Equal(t, "mono", a.ChannelLayout)
	assert.True(t, res.HasAudio())
	assert.True(t, res.IsContainer("mp4", "webm"))
	assert.False(t, res.IsContainer("matroska"))
}

func TestParseProbe_MissingMetadata(t *testing.T) {
	res, err := ParseProbe([]byte(`{"streams": [], "format": {}}`))
	require.NoError(t, err)
	_, err = res.DurationSeconds()
	assert.Error(t, err)
	_, err = res.SizeBytes()
	assert.Error(t, err)

	_, err = ParseProbe([]byte("not json"))
	assert.Error(t, err)
}
