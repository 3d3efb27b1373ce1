// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration from defaults, a strict YAML
// file and MEDIAFORGE_* environment variables, in that order of precedence.
package config

import (
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	LogLevel string `yaml:"logLevel"`

	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Limits    LimitsConfig    `yaml:"limits"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Remote    RemoteConfig    `yaml:"remote"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Cache     CacheConfig     `yaml:"cache"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// SubmitRatePerMinute limits job submissions per client IP. 0 disables.
	SubmitRatePerMinute int `yaml:"submitRatePerMinute"`
}

type StoreConfig struct {
	// Backend is one of sqlite, badger, memory.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
	// KeepFailed leaves per-job scratch directories of failed jobs on disk.
	KeepFailed bool `yaml:"keepFailed"`
}

type FFmpegConfig struct {
	Bin        string        `yaml:"bin"`
	FFprobeBin string        `yaml:"ffprobeBin"`
	KillGrace  time.Duration `yaml:"killGrace"`
	Preset     string        `yaml:"preset"`
	CRF        int           `yaml:"crf"`
	// StartTimeout and StallTimeout bound the gaps in ffmpeg's progress
	// reports. Zero disables the check.
	StartTimeout time.Duration `yaml:"startTimeout"`
	StallTimeout time.Duration `yaml:"stallTimeout"`
}

// LimitsConfig holds the hard caps enforced at submission and execution.
type LimitsConfig struct {
	MaxDurationSeconds      float64       `yaml:"maxDurationSeconds"`
	SegmentThresholdSeconds float64       `yaml:"segmentThresholdSeconds"`
	MaxUploadBytes          int64         `yaml:"maxUploadBytes"`
	MaxSourceBytes          int64         `yaml:"maxSourceBytes"`
	EngineMaxInputBytes     int64         `yaml:"engineMaxInputBytes"`
	EngineConcurrency       int           `yaml:"engineConcurrency"`
	MaxConcurrentJobs       int           `yaml:"maxConcurrentJobs"`
	JobTimeout              time.Duration `yaml:"jobTimeout"`
}

// FetchConfig points at the external source-resolution service.
type FetchConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
	// AllowPrivate and AllowHosts relax the outbound check applied to every
	// client-supplied media URL (sources, watermarks, intro/outro clips).
	AllowPrivate bool     `yaml:"allowPrivate"`
	AllowHosts   []string `yaml:"allowHosts"`
}

type RemoteConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	APIKey            string        `yaml:"apiKey"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	MaxPollAttempts   int           `yaml:"maxPollAttempts"`
	StageTimeout      time.Duration `yaml:"stageTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerReset      time.Duration `yaml:"breakerReset"`
}

type LedgerConfig struct {
	// Backend is http or memory.
	Backend           string        `yaml:"backend"`
	BaseURL           string        `yaml:"baseUrl"`
	APIKey            string        `yaml:"apiKey"`
	Timeout           time.Duration `yaml:"timeout"`
	InitialBalance    int64         `yaml:"initialBalance"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
}

type ArtifactConfig struct {
	// Backend is s3 or local.
	Backend      string        `yaml:"backend"`
	SignedURLTTL time.Duration `yaml:"signedUrlTtl"`
	S3           S3Config      `yaml:"s3"`
	Local        LocalConfig   `yaml:"local"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

type LocalConfig struct {
	Dir        string `yaml:"dir"`
	BaseURL    string `yaml:"baseUrl"`
	SigningKey string `yaml:"signingKey"`
}

type CacheConfig struct {
	// Backend is memory or redis.
	Backend    string        `yaml:"backend"`
	MaxEntries int           `yaml:"maxEntries"`
	TTL        time.Duration `yaml:"ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PricingConfig is the credit tariff. It is hot-reloadable.
type PricingConfig struct {
	BasePerSecond int64                           `yaml:"basePerSecond"`
	Stages        map[model.StageKind]StagePrice `yaml:"stages"`
}

// StagePrice is a per-stage surcharge: a flat amount plus an amount per
// started minute of source duration.
type StagePrice struct {
	Flat      int64 `yaml:"flat"`
	PerMinute int64 `yaml:"perMinute"`
}

// Clone returns a deep copy.
func (p PricingConfig) Clone() PricingConfig {
	out := PricingConfig{BasePerSecond: p.BasePerSecond, Stages: make(map[model.StageKind]StagePrice, len(p.Stages))}
	for k, v := range p.Stages {
		out.Stages[k] = v
	}
	return out
}

// Equal reports whether both tariffs are identical.
func (p PricingConfig) Equal(o PricingConfig) bool {
	if p.BasePerSecond != o.BasePerSecond || len(p.Stages) != len(o.Stages) {
		return false
	}
	for k, v := range p.Stages {
		if ov, ok := o.Stages[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}
