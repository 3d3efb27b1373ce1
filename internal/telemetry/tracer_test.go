// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: true, ServiceName: "x", ExporterType: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestNewProvider_HTTPExporterBuildsLazily(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{
		Enabled: true, ServiceName: "mediaforge", ExporterType: "http",
		Endpoint: "127.0.0.1:4318", SamplingRate: 0.5,
	})
	require.NoError(t, err)
	// Nothing was exported, so shutdown does not need the collector.
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStartSpanAndEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "stage", StageAttributes("job-1", "SUBTITLES")...)
	End(span, errors.New("remote failed"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "stage", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), StageAttributes("job-1", "SUBTITLES")[1])
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
