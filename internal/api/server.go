// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes the pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ManuGH/mediaforge/internal/health"
	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/billing"
	"github.com/ManuGH/mediaforge/internal/pipeline/bus"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Jobs is the pipeline surface the handlers drive.
type Jobs interface {
	Submit(ctx context.Context, spec model.JobSpec) (string, error)
	GetStatus(ctx context.Context, id string) (*model.MediaJob, error)
	Cancel(ctx context.Context, id string) error
	Events(ctx context.Context, id string) (bus.Subscriber, error)
}

// Quoter prices a job without running it.
type Quoter interface {
	Quote(kinds []model.StageKind, durationSeconds float64) billing.Quote
}

// Config tunes the HTTP surface.
type Config struct {
	// UploadDir receives direct uploads. Empty disables the upload route.
	UploadDir      string
	MaxUploadBytes int64
	// SubmitPerMinute limits job submissions and uploads per client IP.
	SubmitPerMinute int
	// ReadPerMinute limits every other API request per client IP.
	ReadPerMinute     int
	HeartbeatInterval time.Duration
	// TracingService names the otelhttp server spans. Empty disables them.
	TracingService string
}

func (c Config) withDefaults() Config {
	if c.SubmitPerMinute <= 0 {
		c.SubmitPerMinute = 30
	}
	if c.ReadPerMinute <= 0 {
		c.ReadPerMinute = 600
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// Server holds the handler dependencies.
type Server struct {
	cfg       Config
	jobs      Jobs
	quoter    Quoter
	health    *health.Manager
	artifacts http.Handler
}

// New creates a Server. health and artifacts may be nil.
func New(cfg Config, jobs Jobs, quoter Quoter, hm *health.Manager, artifacts http.Handler) *Server {
	return &Server{cfg: cfg.withDefaults(), jobs: jobs, quoter: quoter, health: hm, artifacts: artifacts}
}

// Handler builds the router with the ingress middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(httpMetrics)
	r.Use(log.Middleware())

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.artifacts != nil {
		r.Mount("/artifacts", http.StripPrefix("/artifacts", s.artifacts))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireUser)
		r.Group(func(r chi.Router) {
			r.Use(rateLimit("submit", s.cfg.SubmitPerMinute, time.Minute))
			r.Post("/jobs", s.handleSubmit)
			if s.cfg.UploadDir != "" {
				r.Post("/uploads", s.handleUpload)
			}
		})
		r.Group(func(r chi.Router) {
			r.Use(rateLimit("read", s.cfg.ReadPerMinute, time.Minute))
			r.Get("/estimate", s.handleEstimate)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancel)
			r.Get("/jobs/{id}/events", s.handleEvents)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, string(model.CodeNotFound), "no such route", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "", nil)
	})

	if s.cfg.TracingService == "" {
		return r
	}
	return otelhttp.NewHandler(r, s.cfg.TracingService,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
