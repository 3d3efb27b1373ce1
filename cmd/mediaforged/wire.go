// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/ManuGH/mediaforge/internal/artifact"
	"github.com/ManuGH/mediaforge/internal/cache"
	"github.com/ManuGH/mediaforge/internal/config"
	"github.com/ManuGH/mediaforge/internal/health"
	"github.com/ManuGH/mediaforge/internal/ledger"
	xglog "github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/media/acquire"
	"github.com/ManuGH/mediaforge/internal/media/compose"
	"github.com/ManuGH/mediaforge/internal/media/engine"
	"github.com/ManuGH/mediaforge/internal/media/ffmpeg"
	"github.com/ManuGH/mediaforge/internal/media/segment"
	"github.com/ManuGH/mediaforge/internal/pipeline/billing"
	"github.com/ManuGH/mediaforge/internal/pipeline/bus"
	"github.com/ManuGH/mediaforge/internal/pipeline/controller"
	"github.com/ManuGH/mediaforge/internal/pipeline/remote"
	"github.com/ManuGH/mediaforge/internal/pipeline/store"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	platformnet "github.com/ManuGH/mediaforge/internal/platform/net"
	"github.com/ManuGH/mediaforge/internal/resilience"
)

// components is everything serve runs. close releases them in reverse
// order of construction.
type components struct {
	store      store.StateStore
	cache      cache.Cache
	artifacts  artifact.Store
	fileServer http.Handler
	meter      *billing.Meter
	reconciler *billing.Reconciler
	controller *controller.Controller
	health     *health.Manager
	breakers   []*resilience.CircuitBreaker
	uploadDir  string
}

func (c *components) close(ctx context.Context) {
	logger := xglog.WithComponent("daemon")
	if c.controller != nil {
		if err := c.controller.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("controller did not drain")
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("close cache")
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close state store")
		}
	}
}

// wire builds the pipeline from cfg. tariff is read on every estimate so
// pricing reloads take effect without a restart.
func wire(ctx context.Context, cfg config.AppConfig, tariff billing.Tariff) (_ *components, err error) {
	c := &components{uploadDir: filepath.Join(cfg.Workspace.Dir, "uploads")}
	defer func() {
		if err != nil {
			c.close(ctx)
		}
	}()

	if c.store, err = store.OpenStateStore(cfg.Store.Backend, cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if c.cache, err = openCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}
	if c.artifacts, c.fileServer, err = openArtifacts(ctx, cfg.Artifact); err != nil {
		return nil, err
	}

	runner := ffmpeg.NewRunner(cfg.FFmpeg.Bin, cfg.FFmpeg.KillGrace).
		WithWatchdog(cfg.FFmpeg.StartTimeout, cfg.FFmpeg.StallTimeout)
	prober := ffmpeg.NewFFprobe(ffmpeg.NewRunner(cfg.FFmpeg.FFprobeBin, cfg.FFmpeg.KillGrace))

	fetch := acquire.NewFetchClient(acquire.FetchOptions{
		BaseURL:           cfg.Fetch.BaseURL,
		APIKey:            cfg.Fetch.APIKey,
		Timeout:           cfg.Fetch.Timeout,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
		Cache:             c.cache,
		CacheTTL:          cfg.Cache.TTL,
		Breaker:           c.breaker("fetch", cfg.Remote),
	})
	outbound := platformnet.OutboundPolicy{
		AllowPrivate: cfg.Fetch.AllowPrivate,
		AllowHosts:   cfg.Fetch.AllowHosts,
	}
	acquirer := acquire.New(acquire.Config{
		UploadDir:      c.uploadDir,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		MaxSourceBytes: cfg.Limits.MaxSourceBytes,
		Outbound:       outbound,
	}, fetch, prober)

	orchestrator := remote.New(
		remote.NewHTTPClient(remote.HTTPOptions{
			BaseURL:           cfg.Remote.BaseURL,
			APIKey:            cfg.Remote.APIKey,
			Timeout:           cfg.Remote.RequestTimeout,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
			Burst:             cfg.Remote.Burst,
			Breaker:           c.breaker("remote", cfg.Remote),
		}),
		c.cache,
		remote.Config{
			PollInterval: cfg.Remote.PollInterval,
			MaxAttempts:  cfg.Remote.MaxPollAttempts,
			StageTimeout: cfg.Remote.StageTimeout,
			CacheTTL:     cfg.Cache.TTL,
			CaptionText:  remote.HTTPCaptionText(httpx.NewClient(cfg.Remote.RequestTimeout)),
		},
	)

	var l ledger.Ledger
	switch cfg.Ledger.Backend {
	case "http":
		l = ledger.NewHTTPLedger(ledger.HTTPOptions{
			BaseURL: cfg.Ledger.BaseURL,
			APIKey:  cfg.Ledger.APIKey,
			Timeout: cfg.Ledger.Timeout,
			Breaker: c.breaker("ledger", cfg.Remote),
		})
	default:
		l = ledger.NewMemoryLedger(cfg.Ledger.InitialBalance)
	}
	c.meter = billing.NewMeter(tariff, l, c.store)
	c.reconciler = billing.NewReconciler(c.meter, c.store, cfg.Ledger.ReconcileInterval)

	c.controller, err = controller.New(controller.Config{
		WorkspaceDir:            cfg.Workspace.Dir,
		KeepFailed:              cfg.Workspace.KeepFailed,
		MaxDurationSeconds:      cfg.Limits.MaxDurationSeconds,
		SegmentThresholdSeconds: cfg.Limits.SegmentThresholdSeconds,
		JobTimeout:              cfg.Limits.JobTimeout,
		MaxConcurrentJobs:       cfg.Limits.MaxConcurrentJobs,
		SignedURLTTL:            cfg.Artifact.SignedURLTTL,
		MaxResultBytes:          cfg.Limits.MaxSourceBytes,
		Outbound:                outbound,
	}, controller.Deps{
		Store:     c.store,
		Bus:       bus.NewMemoryBus(),
		Acquirer:  acquirer,
		Segmenter: segment.New(runner),
		Engine: engine.New(runner, engine.Config{
			MaxInputBytes: cfg.Limits.EngineMaxInputBytes,
			Preset:        cfg.FFmpeg.Preset,
			CRF:           cfg.FFmpeg.CRF,
			Concurrency:   cfg.Limits.EngineConcurrency,
		}),
		Remote:    orchestrator,
		Composer:  compose.New(runner, prober, cfg.FFmpeg.Preset, cfg.FFmpeg.CRF),
		Artifacts: c.artifacts,
		Meter:     c.meter,
	})
	if err != nil {
		return nil, err
	}

	c.health = health.NewManager(version)
	c.health.RegisterChecker(health.NewFuncChecker("state_store", true, c.store.Ping))
	c.health.RegisterChecker(health.NewFuncChecker("artifacts", true, c.artifacts.Ping))
	c.health.RegisterChecker(health.NewBinaryChecker("ffmpeg", cfg.FFmpeg.Bin))
	c.health.RegisterChecker(health.NewBinaryChecker("ffprobe", cfg.FFmpeg.FFprobeBin))
	c.health.RegisterChecker(health.NewDirChecker("workspace", cfg.Workspace.Dir))
	for _, cb := range c.breakers {
		c.health.RegisterChecker(health.NewFuncChecker("breaker_"+cb.Snapshot().Name, false, cb.Probe))
	}
	return c, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	if cfg.Backend != "redis" {
		return cache.NewMemoryCache("pipeline", cfg.MaxEntries, cfg.TTL/4), nil
	}
	rc, err := cache.NewRedisCache(ctx, "pipeline", cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, xglog.WithComponent("cache"))
	if err != nil {
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	return rc, nil
}

// openArtifacts returns the store and, for the local backend, the handler
// serving its signed URLs.
func openArtifacts(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, http.Handler, error) {
	if cfg.Backend == "s3" {
		s, err := artifact.NewS3Store(ctx, artifact.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			TTL:             cfg.SignedURLTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 artifact store: %w", err)
		}
		return s, nil, nil
	}
	s, err := artifact.NewLocalStore(artifact.LocalOptions{
		Dir:        cfg.Local.Dir,
		BaseURL:    cfg.Local.BaseURL,
		SigningKey: []byte(cfg.Local.SigningKey),
		TTL:        cfg.SignedURLTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open local artifact store: %w", err)
	}
	return s, s.Handler(), nil
}

// breaker trips on transport failures and 5xx answers only. A dependency
// that answers with a definitive rejection is healthy.
func (c *components) breaker(name string, cfg config.RemoteConfig) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, cfg.BreakerThreshold, cfg.BreakerReset,
		resilience.WithFailureFilter(httpx.IsTemporary))
	c.breakers = append(c.breakers, cb)
	return cb
}
