// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stream is one elementary stream reported by ffprobe.
type Stream struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecType     string `json:"codec_type"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	PixFmt        string `json:"pix_fmt,omitempty"`
	RFrameRate    string `json:"r_frame_rate,omitempty"`
	SampleRate    string `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	ChannelLayout string `json:"channel_layout,omitempty"`
	Duration      string `json:"duration,omitempty"`
}

// Format is the container section of ffprobe output.
type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// ProbeResult is the parsed `ffprobe -show_format -show_streams` output.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// DurationSeconds returns the container duration.
func (p *ProbeResult) DurationSeconds() (float64, error) {
	if p.Format.Duration == "" {
		return 0, fmt.Errorf("duration not available in format metadata")
	}
	d, err := strconv.ParseFloat(p.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", p.Format.Duration, err)
	}
	return d, nil
}

// SizeBytes returns the container size.
func (p *ProbeResult) SizeBytes() (int64, error) {
	if p.Format.Size == "" {
		return 0, fmt.Errorf("size not available in format metadata")
	}
	n, err := strconv.ParseInt(p.Format.Size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", p.Format.Size, err)
	}
	return n, nil
}

// VideoStream returns the first video stream.
func (p *ProbeResult) VideoStream() (Stream, bool) {
	for _, s := range p.Streams {
		if s.CodecType == "video" {
			return s, true
		}
	}
	return Stream{}, false
}

// AudioStream returns the first audio stream.
func (p *ProbeResult) AudioStream() (Stream, bool) {
	for _, s := range p.Streams {
		if s.CodecType == "audio" {
			return s, true
		}
	}
	return Stream{}, false
}

// HasAudio reports whether any audio stream is present.
func (p *ProbeResult) HasAudio() bool {
	for _, s := range p.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// IsContainer reports whether the demuxer name list contains any of names.
func (p *ProbeResult) IsContainer(names ...string) bool {
	for _, f := range strings.Split(p.Format.FormatName, ",") {
		for _, n := range names {
			if f == n {
				return true
			}
		}
	}
	return false
}

// Prober extracts media metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFprobe is a Prober backed by the ffprobe binary.
type FFprobe struct {
	runner *Runner
}

// NewFFprobe wraps a runner configured with the ffprobe binary.
func NewFFprobe(r *Runner) *FFprobe {
	return &FFprobe{runner: r}
}

func (f *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if path == "" {
		return nil, fmt.Errorf("probe: empty path")
	}
	out, err := f.runner.Output(ctx, "probe",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, err
	}
	return ParseProbe(out)
}

// ParseProbe decodes ffprobe JSON output.
func ParseProbe(data []byte) (*ProbeResult, error) {
	var res ProbeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	return &res, nil
}
