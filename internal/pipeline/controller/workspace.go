// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/pipeline/store"
	"github.com/google/uuid"
)

// SweepWorkspace removes job directories that no running job owns. With
// KeepFailed, directories of Failed jobs stay for inspection.
func (c *Controller) SweepWorkspace(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.cfg.WorkspaceDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	logger := log.WithComponentFromContext(ctx, "janitor")
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		c.mu.Lock()
		_, live := c.running[id]
		c.mu.Unlock()
		if live {
			continue
		}
		if c.cfg.KeepFailed {
			j, err := c.deps.Store.GetJob(ctx, id)
			if err == nil && j.Status == model.JobFailed {
				continue
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				continue
			}
		}
		if err := os.RemoveAll(filepath.Join(c.cfg.WorkspaceDir, id)); err != nil {
			logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("remove stale workspace")
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info().Int("dirs", removed).Str("event", "workspace.swept").Msg("stale workspaces removed")
	}
	return removed, nil
}
