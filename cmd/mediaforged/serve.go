// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/mediaforge/internal/api"
	"github.com/ManuGH/mediaforge/internal/config"
	xglog "github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// sweepInterval is how often abandoned job workspaces are collected.
const sweepInterval = 30 * time.Minute

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	logger := xglog.WithComponent("daemon")

	loader := config.NewLoader(configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str("event", "config.load_failed").Str(xglog.FieldPath, configPath).Msg("failed to load configuration")
		return err
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "mediaforged", Version: version})
	logger = xglog.WithComponent("daemon")
	if configPath != "" {
		logger.Info().Str("event", "config.loaded").Str("source", "file").Str(xglog.FieldPath, configPath).Msg("configuration loaded")
	} else {
		logger.Info().Str("event", "config.loaded").Str("source", "env").Msg("configuration loaded from environment")
	}
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Server.ListenAddr).
		Str("store", cfg.Store.Backend).
		Str("artifacts", cfg.Artifact.Backend).
		Str("ledger", cfg.Ledger.Backend).
		Msg("starting mediaforged")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	holder := config.NewHolder(cfg, loader, configPath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("pricing hot reload disabled")
	}
	defer holder.Stop()

	c, err := wire(ctx, cfg, holder)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return err
	}

	if n, err := c.controller.Recover(ctx); err != nil {
		logger.Warn().Err(err).Msg("job recovery incomplete")
	} else if n > 0 {
		logger.Info().Int("jobs", n).Str("event", "jobs.recovered").Msg("interrupted jobs failed")
	}
	if _, err := c.controller.SweepWorkspace(ctx); err != nil {
		logger.Warn().Err(err).Msg("workspace sweep failed")
	}

	var tracingService string
	if cfg.Telemetry.Enabled {
		tracingService = cfg.Telemetry.ServiceName
	}
	srv := api.New(api.Config{
		UploadDir:       c.uploadDir,
		MaxUploadBytes:  cfg.Limits.MaxUploadBytes,
		SubmitPerMinute: cfg.Server.SubmitRatePerMinute,
		TracingService:  tracingService,
	}, c.controller, c.meter, c.health, c.fileServer)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("event", "http.listen").Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.reconciler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepLoop(gctx, c)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "shutdown.start").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		c.close(shutdownCtx)
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown incomplete")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Str("event", "shutdown.done").Msg("stopped")
	return err
}

func sweepLoop(ctx context.Context, c *components) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.controller.SweepWorkspace(ctx); err != nil {
				lg := xglog.WithComponent("janitor")
				lg.Warn().Err(err).Msg("workspace sweep failed")
			}
		}
	}
}
