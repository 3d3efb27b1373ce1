// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateDirs points every on-disk location at a temp dir.
func isolateDirs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("MEDIAFORGE_STORE_PATH", filepath.Join(root, "db", "jobs.db"))
	t.Setenv("MEDIAFORGE_WORKSPACE_DIR", filepath.Join(root, "work"))
	t.Setenv("MEDIAFORGE_ARTIFACT_DIR", filepath.Join(root, "artifacts"))
	return root
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAreValid(t *testing.T) {
	root := isolateDirs(t)

	cfg, err := NewLoader("", "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 60.0, cfg.Limits.SegmentThresholdSeconds)
	assert.Equal(t, 5*time.Second, cfg.Remote.PollInterval)
	assert.Equal(t, 120, cfg.Remote.MaxPollAttempts)
	assert.Equal(t, "veryfast", cfg.FFmpeg.Preset)
	assert.Equal(t, 23, cfg.FFmpeg.CRF)
	assert.DirExists(t, filepath.Join(root, "work"))
	assert.DirExists(t, filepath.Join(root, "artifacts"))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, `
logLevel: debug
limits:
  segmentThresholdSeconds: 30
  maxDurationSeconds: 300
remote:
  pollInterval: 2s
  maxPollAttempts: 10
pricing:
  basePerSecond: 2
  stages:
    SUBTITLES: {flat: 7, perMinute: 3}
`)

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30.0, cfg.Limits.SegmentThresholdSeconds)
	assert.Equal(t, 2*time.Second, cfg.Remote.PollInterval)
	assert.Equal(t, 10, cfg.Remote.MaxPollAttempts)
	assert.Equal(t, int64(2), cfg.Pricing.BasePerSecond)
	assert.Equal(t, StagePrice{Flat: 7, PerMinute: 3}, cfg.Pricing.Stages[model.StageSubtitles])
	// Unmentioned stages keep their default price.
	assert.Equal(t, DefaultPricing().Stages[model.StageSongGeneration], cfg.Pricing.Stages[model.StageSongGeneration])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, "remote:\n  maxPollAttempts: 10\n")
	t.Setenv("MEDIAFORGE_REMOTE_MAX_POLL_ATTEMPTS", "42")
	t.Setenv("MEDIAFORGE_PRICE_BASE_PER_SECOND", "3")
	t.Setenv("MEDIAFORGE_WORKSPACE_KEEP_FAILED", "yes")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Remote.MaxPollAttempts)
	assert.Equal(t, int64(3), cfg.Pricing.BasePerSecond)
	assert.True(t, cfg.Workspace.KeepFailed)
}

func TestLoad_OutboundAllowances(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, "fetch:\n  allowHosts: [media.internal]\n")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.False(t, cfg.Fetch.AllowPrivate)
	assert.Equal(t, []string{"media.internal"}, cfg.Fetch.AllowHosts)

	t.Setenv("MEDIAFORGE_FETCH_ALLOW_PRIVATE", "true")
	t.Setenv("MEDIAFORGE_FETCH_ALLOW_HOSTS", " cdn.a , ,cdn.b")
	cfg, err = NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.True(t, cfg.Fetch.AllowPrivate)
	assert.Equal(t, []string{"cdn.a", "cdn.b"}, cfg.Fetch.AllowHosts)
}

func TestLoad_StrictRejectsUnknownFields(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, "remote:\n  pollIntervall: 5s\n")

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoad_RejectsMultipleDocuments(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, "logLevel: info\n---\nlogLevel: debug\n")

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoad_RejectsNonYAML(t *testing.T) {
	root := isolateDirs(t)
	path := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML supported")
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	root := isolateDirs(t)
	path := writeConfig(t, root, "")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Remote, cfg.Remote)
}

func TestLoad_TracksConsumedEnvKeys(t *testing.T) {
	isolateDirs(t)
	l := NewLoader("", "")
	_, err := l.Load()
	require.NoError(t, err)

	assert.Contains(t, l.ConsumedEnvKeys, "MEDIAFORGE_REMOTE_URL")
	assert.Contains(t, l.ConsumedEnvKeys, "MEDIAFORGE_LEDGER_BACKEND")
}

func TestValidate_RejectsBadSettings(t *testing.T) {
	root := t.TempDir()
	base := Defaults()
	base.Workspace.Dir = filepath.Join(root, "work")
	base.Artifact.Local.Dir = filepath.Join(root, "artifacts")
	require.NoError(t, Validate(base))

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		field  string
	}{
		{"store backend", func(c *AppConfig) { c.Store.Backend = "postgres" }, "store.backend"},
		{"threshold", func(c *AppConfig) { c.Limits.SegmentThresholdSeconds = 0 }, "limits.segmentThresholdSeconds"},
		{"duration below threshold", func(c *AppConfig) { c.Limits.MaxDurationSeconds = 10 }, "limits.maxDurationSeconds"},
		{"poll attempts", func(c *AppConfig) { c.Remote.MaxPollAttempts = 0 }, "remote.maxPollAttempts"},
		{"ledger url", func(c *AppConfig) { c.Ledger.Backend = "http" }, "ledger.baseUrl"},
		{"s3 bucket", func(c *AppConfig) { c.Artifact.Backend = "s3"; c.Artifact.S3.Region = "eu-west-1" }, "artifact.s3.bucket"},
		{"log level", func(c *AppConfig) { c.LogLevel = "loud" }, "logLevel"},
		{"listen addr", func(c *AppConfig) { c.Server.ListenAddr = "nowhere" }, "server.listenAddr"},
		{"crf", func(c *AppConfig) { c.FFmpeg.CRF = 60 }, "ffmpeg.crf"},
		{"sampling", func(c *AppConfig) { c.Telemetry.Enabled = true; c.Telemetry.SamplingRate = 2 }, "telemetry.samplingRate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Pricing = base.Pricing.Clone()
			tt.mutate(&cfg)

			err := Validate(cfg)
			require.Error(t, err)
			var verr validate.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors()))
			for _, e := range verr.Errors() {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidatePricing(t *testing.T) {
	v := validate.New()
	ValidatePricing(v, DefaultPricing())
	require.True(t, v.IsValid(), "%v", v.Err())

	v = validate.New()
	ValidatePricing(v, PricingConfig{
		BasePerSecond: -1,
		Stages: map[model.StageKind]StagePrice{
			"TELEPORT":           {Flat: 1},
			model.StageSubtitles: {Flat: -5},
		},
	})
	assert.Len(t, v.Errors(), 3)
}

func TestPricingClone_IsIndependent(t *testing.T) {
	p := DefaultPricing()
	c := p.Clone()
	require.True(t, p.Equal(c))

	c.Stages[model.StageSubtitles] = StagePrice{Flat: 999}
	assert.False(t, p.Equal(c))
	assert.NotEqual(t, int64(999), p.Stages[model.StageSubtitles].Flat)
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("MF_TEST_INT", "12")
	t.Setenv("MF_TEST_BAD_INT", "twelve")
	t.Setenv("MF_TEST_DUR", "90s")
	t.Setenv("MF_TEST_BOOL", "NO")
	t.Setenv("MF_TEST_FLOAT", "0.25")
	t.Setenv("MF_TEST_EMPTY", "")
	t.Setenv("MF_TEST_API_KEY", "s3cr3t")

	assert.Equal(t, 12, ParseInt("MF_TEST_INT", 1))
	assert.Equal(t, 1, ParseInt("MF_TEST_BAD_INT", 1))
	assert.Equal(t, int64(1), ParseInt64("MF_TEST_MISSING", 1))
	assert.Equal(t, 90*time.Second, ParseDuration("MF_TEST_DUR", time.Second))
	assert.False(t, ParseBool("MF_TEST_BOOL", true))
	assert.Equal(t, 0.25, ParseFloat("MF_TEST_FLOAT", 1))
	assert.Equal(t, "fallback", ParseString("MF_TEST_EMPTY", "fallback"))
	assert.Equal(t, "s3cr3t", ParseString("MF_TEST_API_KEY", ""))
	assert.True(t, isSensitiveKey("MF_TEST_API_KEY"))
}
