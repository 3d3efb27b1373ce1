// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package acquire obtains the source media of a job and its metadata.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	platformnet "github.com/ManuGH/mediaforge/internal/platform/net"
	"github.com/google/uuid"
)

// Source is an acquired blob in the job workspace.
type Source struct {
	Path            string
	DurationSeconds float64
	SizeBytes       int64
}

// Config bounds acquisition.
type Config struct {
	// UploadDir holds direct uploads keyed by upload id.
	UploadDir      string
	MaxUploadBytes int64
	MaxSourceBytes int64
	Outbound       platformnet.OutboundPolicy
}

// Acquirer implements both source modes.
type Acquirer struct {
	cfg      Config
	resolver Resolver
	prober   ffmpeg.Prober
	client   *http.Client
}

// New creates an Acquirer.
func New(cfg Config, resolver Resolver, prober ffmpeg.Prober) *Acquirer {
	return &Acquirer{cfg: cfg, resolver: resolver, prober: prober, client: httpx.NewStreamingClient()}
}

// Acquire materializes ref into dstDir and probes it. Every failure is an
// ACQUISITION error except cancellation, which is returned as the context
// cause.
func (a *Acquirer) Acquire(ctx context.Context, mode model.SourceMode, ref, dstDir string) (Source, error) {
	logger := log.WithComponentFromContext(ctx, "acquirer")
	start := time.Now()

	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return Source{}, model.WrapError(model.CodeAcquisition, "mkdir", err)
	}

	var (
		blob string
		err  error
	)
	switch mode {
	case model.SourceRemoteURL:
		blob, err = a.fromURL(ctx, ref, dstDir)
	case model.SourceDirectUpload:
		blob, err = a.fromUpload(ref, dstDir)
	default:
		err = fmt.Errorf("unsupported source mode %q", mode)
	}
	if err != nil {
		return Source{}, a.fail(ctx, "acquire", err)
	}

	src, err := a.describe(ctx, blob)
	if err != nil {
		_ = os.Remove(blob)
		return Source{}, a.fail(ctx, "probe", err)
	}
	metrics.AcquisitionBytes.WithLabelValues(string(mode)).Add(float64(src.SizeBytes))

	logger.Info().
		Str("event", "acquire.done").
		Str("mode", string(mode)).
		Float64("duration_s", src.DurationSeconds).
		Int64(log.FieldSize, src.SizeBytes).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("source acquired")
	return src, nil
}

func (a *Acquirer) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	return model.WrapError(model.CodeAcquisition, op, err)
}

func (a *Acquirer) fromURL(ctx context.Context, ref, dstDir string) (string, error) {
	if _, err := platformnet.ValidateOutboundURL(ctx, ref, a.cfg.Outbound); err != nil {
		return "", fmt.Errorf("source url: %w", err)
	}
	res, err := a.resolver.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	dl, err := platformnet.ValidateOutboundURL(ctx, res.DownloadURL, a.cfg.Outbound)
	if err != nil {
		return "", fmt.Errorf("download url: %w", err)
	}
	dst := filepath.Join(dstDir, "source"+extFromURL(dl))
	if err := a.download(ctx, dl, dst); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}

func (a *Acquirer) download(ctx context.Context, rawURL, dst string) error {
	if _, err := httpx.Download(ctx, a.client, rawURL, dst, a.cfg.MaxSourceBytes); err != nil {
		return fmt.Errorf("download %s: %w", platformnet.SanitizeURL(rawURL), err)
	}
	return nil
}

func (a *Acquirer) fromUpload(ref, dstDir string) (string, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid upload id %q", ref)
	}
	src := filepath.Join(a.cfg.UploadDir, id.String())
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("upload %s not found", id)
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("upload %s is not a regular file", id)
	}
	if a.cfg.MaxUploadBytes > 0 && info.Size() > a.cfg.MaxUploadBytes {
		return "", fmt.Errorf("upload of %d bytes exceeds limit %d", info.Size(), a.cfg.MaxUploadBytes)
	}
	if err := CheckContainer(src); err != nil {
		return "", err
	}

	dst := filepath.Join(dstDir, "source"+UploadExtension(src))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("claim upload: %w", err)
	}
	return dst, nil
}

// describe probes blob. Both duration and size must be known.
func (a *Acquirer) describe(ctx context.Context, blob string) (Source, error) {
	pr, err := a.prober.Probe(ctx, blob)
	if err != nil {
		return Source{}, err
	}
	if !pr.IsContainer(supportedFormats...) {
		return Source{}, fmt.Errorf("unsupported container %q", pr.Format.FormatName)
	}
	d, err := pr.DurationSeconds()
	if err != nil {
		return Source{}, err
	}
	if d <= 0 {
		return Source{}, fmt.Errorf("source has no duration")
	}
	size, err := pr.SizeBytes()
	if err != nil {
		info, statErr := os.Stat(blob)
		if statErr != nil {
			return Source{}, errors.Join(err, statErr)
		}
		size = info.Size()
	}
	return Source{Path: blob, DurationSeconds: d, SizeBytes: size}, nil
}

func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".mp4"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".mp4", ".m4v", ".mov", ".mkv", ".webm", ".avi", ".ts", ".mp3", ".m4a", ".wav", ".ogg":
		return ext
	}
	return ".mp4"
}
