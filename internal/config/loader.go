// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/log"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envInt64(key string, defaultVal int64) int64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt64(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// The order is fixed: defaults, strict file parse, env overrides, validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	l.warnUnknownEnv()

	for _, p := range []*string{&cfg.Store.Path, &cfg.Workspace.Dir, &cfg.Artifact.Local.Dir} {
		if *p == "" {
			continue
		}
		if abs, err := filepath.Abs(*p); err == nil {
			*p = abs
		}
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing.
// Unknown fields are a fatal error.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	const p = EnvPrefix

	cfg.LogLevel = l.envString(p+"LOG_LEVEL", cfg.LogLevel)

	cfg.Server.ListenAddr = l.envString(p+"LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.ReadTimeout = l.envDuration(p+"READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.ShutdownTimeout = l.envDuration(p+"SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.SubmitRatePerMinute = l.envInt(p+"SUBMIT_RATE_PER_MINUTE", cfg.Server.SubmitRatePerMinute)

	cfg.Store.Backend = l.envString(p+"STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = l.envString(p+"STORE_PATH", cfg.Store.Path)

	cfg.Workspace.Dir = l.envString(p+"WORKSPACE_DIR", cfg.Workspace.Dir)
	cfg.Workspace.KeepFailed = l.envBool(p+"WORKSPACE_KEEP_FAILED", cfg.Workspace.KeepFailed)

	cfg.FFmpeg.Bin = l.envString(p+"FFMPEG_BIN", cfg.FFmpeg.Bin)
	cfg.FFmpeg.FFprobeBin = l.envString(p+"FFPROBE_BIN", cfg.FFmpeg.FFprobeBin)
	cfg.FFmpeg.KillGrace = l.envDuration(p+"FFMPEG_KILL_GRACE", cfg.FFmpeg.KillGrace)
	cfg.FFmpeg.Preset = l.envString(p+"FFMPEG_PRESET", cfg.FFmpeg.Preset)
	cfg.FFmpeg.CRF = l.envInt(p+"FFMPEG_CRF", cfg.FFmpeg.CRF)
	cfg.FFmpeg.StartTimeout = l.envDuration(p+"FFMPEG_START_TIMEOUT", cfg.FFmpeg.StartTimeout)
	cfg.FFmpeg.StallTimeout = l.envDuration(p+"FFMPEG_STALL_TIMEOUT", cfg.FFmpeg.StallTimeout)

	cfg.Limits.MaxDurationSeconds = l.envFloat(p+"MAX_DURATION_SECONDS", cfg.Limits.MaxDurationSeconds)
	cfg.Limits.SegmentThresholdSeconds = l.envFloat(p+"SEGMENT_THRESHOLD_SECONDS", cfg.Limits.SegmentThresholdSeconds)
	cfg.Limits.MaxUploadBytes = l.envInt64(p+"MAX_UPLOAD_BYTES", cfg.Limits.MaxUploadBytes)
	cfg.Limits.MaxSourceBytes = l.envInt64(p+"MAX_SOURCE_BYTES", cfg.Limits.MaxSourceBytes)
	cfg.Limits.EngineMaxInputBytes = l.envInt64(p+"ENGINE_MAX_INPUT_BYTES", cfg.Limits.EngineMaxInputBytes)
	cfg.Limits.EngineConcurrency = l.envInt(p+"ENGINE_CONCURRENCY", cfg.Limits.EngineConcurrency)
	cfg.Limits.MaxConcurrentJobs = l.envInt(p+"MAX_CONCURRENT_JOBS", cfg.Limits.MaxConcurrentJobs)
	cfg.Limits.JobTimeout = l.envDuration(p+"JOB_TIMEOUT", cfg.Limits.JobTimeout)

	cfg.Fetch.BaseURL = l.envString(p+"FETCH_URL", cfg.Fetch.BaseURL)
	cfg.Fetch.APIKey = l.envString(p+"FETCH_API_KEY", cfg.Fetch.APIKey)
	cfg.Fetch.Timeout = l.envDuration(p+"FETCH_TIMEOUT", cfg.Fetch.Timeout)
	cfg.Fetch.AllowPrivate = l.envBool(p+"FETCH_ALLOW_PRIVATE", cfg.Fetch.AllowPrivate)
	if hosts := l.envString(p+"FETCH_ALLOW_HOSTS", ""); hosts != "" {
		cfg.Fetch.AllowHosts = nil
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Fetch.AllowHosts = append(cfg.Fetch.AllowHosts, h)
			}
		}
	}

	cfg.Remote.BaseURL = l.envString(p+"REMOTE_URL", cfg.Remote.BaseURL)
	cfg.Remote.APIKey = l.envString(p+"REMOTE_API_KEY", cfg.Remote.APIKey)
	cfg.Remote.PollInterval = l.envDuration(p+"REMOTE_POLL_INTERVAL", cfg.Remote.PollInterval)
	cfg.Remote.MaxPollAttempts = l.envInt(p+"REMOTE_MAX_POLL_ATTEMPTS", cfg.Remote.MaxPollAttempts)
	cfg.Remote.StageTimeout = l.envDuration(p+"REMOTE_STAGE_TIMEOUT", cfg.Remote.StageTimeout)
	cfg.Remote.RequestTimeout = l.envDuration(p+"REMOTE_REQUEST_TIMEOUT", cfg.Remote.RequestTimeout)
	cfg.Remote.RequestsPerSecond = l.envFloat(p+"REMOTE_RPS", cfg.Remote.RequestsPerSecond)
	cfg.Remote.Burst = l.envInt(p+"REMOTE_BURST", cfg.Remote.Burst)

	cfg.Ledger.Backend = l.envString(p+"LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.BaseURL = l.envString(p+"LEDGER_URL", cfg.Ledger.BaseURL)
	cfg.Ledger.APIKey = l.envString(p+"LEDGER_API_KEY", cfg.Ledger.APIKey)
	cfg.Ledger.InitialBalance = l.envInt64(p+"LEDGER_INITIAL_BALANCE", cfg.Ledger.InitialBalance)
	cfg.Ledger.ReconcileInterval = l.envDuration(p+"LEDGER_RECONCILE_INTERVAL", cfg.Ledger.ReconcileInterval)

	cfg.Artifact.Backend = l.envString(p+"ARTIFACT_BACKEND", cfg.Artifact.Backend)
	cfg.Artifact.SignedURLTTL = l.envDuration(p+"ARTIFACT_SIGNED_URL_TTL", cfg.Artifact.SignedURLTTL)
	cfg.Artifact.S3.Bucket = l.envString(p+"S3_BUCKET", cfg.Artifact.S3.Bucket)
	cfg.Artifact.S3.Region = l.envString(p+"S3_REGION", cfg.Artifact.S3.Region)
	cfg.Artifact.S3.Endpoint = l.envString(p+"S3_ENDPOINT", cfg.Artifact.S3.Endpoint)
	cfg.Artifact.S3.AccessKeyID = l.envString(p+"S3_ACCESS_KEY_ID", cfg.Artifact.S3.AccessKeyID)
	cfg.Artifact.S3.SecretAccessKey = l.envString(p+"S3_SECRET_ACCESS_KEY", cfg.Artifact.S3.SecretAccessKey)
	cfg.Artifact.S3.UsePathStyle = l.envBool(p+"S3_USE_PATH_STYLE", cfg.Artifact.S3.UsePathStyle)
	cfg.Artifact.Local.Dir = l.envString(p+"ARTIFACT_DIR", cfg.Artifact.Local.Dir)
	cfg.Artifact.Local.BaseURL = l.envString(p+"ARTIFACT_BASE_URL", cfg.Artifact.Local.BaseURL)
	cfg.Artifact.Local.SigningKey = l.envString(p+"ARTIFACT_SIGNING_KEY", cfg.Artifact.Local.SigningKey)

	cfg.Cache.Backend = l.envString(p+"CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.MaxEntries = l.envInt(p+"CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.TTL = l.envDuration(p+"CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.Redis.Addr = l.envString(p+"REDIS_ADDR", cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = l.envString(p+"REDIS_PASSWORD", cfg.Cache.Redis.Password)
	cfg.Cache.Redis.DB = l.envInt(p+"REDIS_DB", cfg.Cache.Redis.DB)

	cfg.Pricing.BasePerSecond = l.envInt64(p+"PRICE_BASE_PER_SECOND", cfg.Pricing.BasePerSecond)

	cfg.Telemetry.Enabled = l.envBool(p+"TRACING_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = l.envString(p+"TRACING_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = l.envString(p+"TRACING_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(p+"TRACING_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}

// warnUnknownEnv logs MEDIAFORGE_* variables that no setting consumed,
// which are almost always typos.
func (l *Loader) warnUnknownEnv() {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	logger := log.WithComponent("config")
	logger.Warn().
		Str("event", "config.unknown_env").
		Strs("keys", unknown).
		Msg("ignoring unknown environment variables")
}
