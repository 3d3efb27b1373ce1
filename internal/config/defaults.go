// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// Defaults returns the configuration used before file and environment
// overrides are applied.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:          ":8088",
			ReadTimeout:         30 * time.Second,
			ShutdownTimeout:     15 * time.Second,
			SubmitRatePerMinute: 30,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "data/mediaforge.db",
		},
		Workspace: WorkspaceConfig{
			Dir: "data/work",
		},
		FFmpeg: FFmpegConfig{
			Bin:        "ffmpeg",
			FFprobeBin: "ffprobe",
			KillGrace:  2 * time.Second,
			Preset:     "veryfast",
			CRF:        23,

			StartTimeout: 30 * time.Second,
			StallTimeout: 60 * time.Second,
		},
		Limits: LimitsConfig{
			MaxDurationSeconds:      600,
			SegmentThresholdSeconds: 60,
			MaxUploadBytes:          500 << 20,
			MaxSourceBytes:          1 << 30,
			EngineMaxInputBytes:     200 << 20,
			EngineConcurrency:       2,
			MaxConcurrentJobs:       8,
			JobTimeout:              30 * time.Minute,
		},
		Fetch: FetchConfig{
			Timeout: 60 * time.Second,
		},
		Remote: RemoteConfig{
			PollInterval:      5 * time.Second,
			MaxPollAttempts:   120,
			StageTimeout:      12 * time.Minute,
			RequestTimeout:    15 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			BreakerThreshold:  5,
			BreakerReset:      30 * time.Second,
		},
		Ledger: LedgerConfig{
			Backend:           "memory",
			Timeout:           10 * time.Second,
			InitialBalance:    10000,
			ReconcileInterval: time.Minute,
		},
		Artifact: ArtifactConfig{
			Backend:      "local",
			SignedURLTTL: 24 * time.Hour,
			Local: LocalConfig{
				Dir:     "data/artifacts",
				BaseURL: "http://localhost:8088/artifacts",
			},
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 1024,
			TTL:        time.Hour,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "mediaforge:",
			},
		},
		Pricing: DefaultPricing(),
		Telemetry: TelemetryConfig{
			ServiceName:  "mediaforge",
			Environment:  "production",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// DefaultPricing is the built-in tariff in credits.
func DefaultPricing() PricingConfig {
	return PricingConfig{
		BasePerSecond: 1,
		Stages: map[model.StageKind]StagePrice{
			model.StageMirror:           {Flat: 5},
			model.StageCropAspect:       {Flat: 5},
			model.StageColorGrade:       {Flat: 10},
			model.StageUniqueness:       {Flat: 10},
			model.StageTextOverlay:      {Flat: 5},
			model.StageWatermark:        {Flat: 10},
			model.StageAudioVolume:      {Flat: 5},
			model.StageSubtitles:        {Flat: 20, PerMinute: 30},
			model.StageTextToSpeech:     {Flat: 20, PerMinute: 25},
			model.StageObjectRemoval:    {PerMinute: 120},
			model.StageFaceSubstitution: {PerMinute: 150},
			model.StageSongGeneration:   {Flat: 200},
			model.StageIntro:            {Flat: 5},
			model.StageOutro:            {Flat: 5},
		},
	}
}
