// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/mediaforge/internal/validate"
	"github.com/rs/zerolog"
)

var httpSchemes = []string{"http", "https"}

// Validate checks a resolved AppConfig. Directories are created when missing.
func Validate(cfg AppConfig) error {
	v := validate.New()

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		v.AddError("logLevel", err.Error(), cfg.LogLevel)
	}

	v.ListenAddr("server.listenAddr", cfg.Server.ListenAddr)
	v.NonNegative("server.submitRatePerMinute", int64(cfg.Server.SubmitRatePerMinute))

	v.OneOf("store.backend", cfg.Store.Backend, []string{"sqlite", "badger", "memory"})
	if cfg.Store.Backend != "memory" {
		v.NotEmpty("store.path", cfg.Store.Path)
	}
	v.Directory("workspace.dir", cfg.Workspace.Dir, false)

	v.NotEmpty("ffmpeg.bin", cfg.FFmpeg.Bin)
	v.NotEmpty("ffmpeg.ffprobeBin", cfg.FFmpeg.FFprobeBin)
	v.Range("ffmpeg.crf", cfg.FFmpeg.CRF, 0, 51)
	v.NonNegative("ffmpeg.startTimeout", int64(cfg.FFmpeg.StartTimeout))
	v.NonNegative("ffmpeg.stallTimeout", int64(cfg.FFmpeg.StallTimeout))
	v.OneOf("ffmpeg.preset", cfg.FFmpeg.Preset,
		[]string{"ultrafast", "superfast", "veryfast", "faster", "fast", "medium"})

	validateLimits(v, cfg.Limits)

	v.OptionalURL("fetch.baseUrl", cfg.Fetch.BaseURL, httpSchemes)
	v.MinDuration("fetch.timeout", cfg.Fetch.Timeout, time.Second)

	v.OptionalURL("remote.baseUrl", cfg.Remote.BaseURL, httpSchemes)
	v.MinDuration("remote.pollInterval", cfg.Remote.PollInterval, 10*time.Millisecond)
	v.Range("remote.maxPollAttempts", cfg.Remote.MaxPollAttempts, 1, 10000)
	v.MinDuration("remote.stageTimeout", cfg.Remote.StageTimeout, time.Second)
	v.MinDuration("remote.requestTimeout", cfg.Remote.RequestTimeout, 100*time.Millisecond)
	if cfg.Remote.RequestsPerSecond <= 0 {
		v.AddError("remote.requestsPerSecond", "must be positive", cfg.Remote.RequestsPerSecond)
	}
	v.Positive("remote.burst", int64(cfg.Remote.Burst))
	v.Positive("remote.breakerThreshold", int64(cfg.Remote.BreakerThreshold))

	v.OneOf("ledger.backend", cfg.Ledger.Backend, []string{"http", "memory"})
	if cfg.Ledger.Backend == "http" {
		v.URL("ledger.baseUrl", cfg.Ledger.BaseURL, httpSchemes)
	}
	v.MinDuration("ledger.reconcileInterval", cfg.Ledger.ReconcileInterval, time.Second)

	v.OneOf("artifact.backend", cfg.Artifact.Backend, []string{"s3", "local"})
	v.MinDuration("artifact.signedUrlTtl", cfg.Artifact.SignedURLTTL, time.Minute)
	switch cfg.Artifact.Backend {
	case "s3":
		v.NotEmpty("artifact.s3.bucket", cfg.Artifact.S3.Bucket)
		v.NotEmpty("artifact.s3.region", cfg.Artifact.S3.Region)
		v.OptionalURL("artifact.s3.endpoint", cfg.Artifact.S3.Endpoint, httpSchemes)
	case "local":
		v.Directory("artifact.local.dir", cfg.Artifact.Local.Dir, false)
		v.URL("artifact.local.baseUrl", cfg.Artifact.Local.BaseURL, httpSchemes)
	}

	v.OneOf("cache.backend", cfg.Cache.Backend, []string{"memory", "redis"})
	v.Positive("cache.maxEntries", int64(cfg.Cache.MaxEntries))
	v.MinDuration("cache.ttl", cfg.Cache.TTL, time.Second)
	if cfg.Cache.Backend == "redis" {
		v.NotEmpty("cache.redis.addr", cfg.Cache.Redis.Addr)
	}

	ValidatePricing(v, cfg.Pricing)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("telemetry.samplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	return v.Err()
}

func validateLimits(v *validate.Validator, l LimitsConfig) {
	if l.SegmentThresholdSeconds < 1 {
		v.AddError("limits.segmentThresholdSeconds", "must be at least 1", l.SegmentThresholdSeconds)
	}
	if l.MaxDurationSeconds < l.SegmentThresholdSeconds {
		v.AddError("limits.maxDurationSeconds",
			fmt.Sprintf("must not be below segmentThresholdSeconds (%g)", l.SegmentThresholdSeconds),
			l.MaxDurationSeconds)
	}
	v.Positive("limits.maxUploadBytes", l.MaxUploadBytes)
	v.Positive("limits.maxSourceBytes", l.MaxSourceBytes)
	v.Positive("limits.engineMaxInputBytes", l.EngineMaxInputBytes)
	v.Range("limits.engineConcurrency", l.EngineConcurrency, 1, 64)
	v.Range("limits.maxConcurrentJobs", l.MaxConcurrentJobs, 1, 1024)
	v.MinDuration("limits.jobTimeout", l.JobTimeout, time.Minute)
}

// ValidatePricing checks a tariff. Every priced stage must be a known kind and
// amounts are never negative.
func ValidatePricing(v *validate.Validator, p PricingConfig) {
	v.NonNegative("pricing.basePerSecond", p.BasePerSecond)
	for kind, price := range p.Stages {
		field := "pricing.stages." + string(kind)
		if !kind.Valid() {
			v.AddError(field, "unknown stage kind", string(kind))
			continue
		}
		v.NonNegative(field+".flat", price.Flat)
		v.NonNegative(field+".perMinute", price.PerMinute)
	}
}
