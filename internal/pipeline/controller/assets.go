// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controller

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	platformnet "github.com/ManuGH/mediaforge/internal/platform/net"
)

// checkAssets rejects stages whose asset URL fails the outbound policy.
func (c *Controller) checkAssets(ctx context.Context, stages []model.Stage) error {
	for _, st := range stages {
		p, ok := st.Params.(model.AssetParams)
		if !ok {
			continue
		}
		if _, err := platformnet.ValidateOutboundURL(ctx, p.AssetURL(), c.cfg.Outbound); err != nil {
			return model.WrapError(model.CodeValidation, strings.ToLower(string(st.Kind))+" url", err)
		}
	}
	return nil
}

// fetchAssets downloads every asset into the workspace and points its stage
// at the local copy, so ffmpeg never opens a client URL. A stage whose asset
// cannot be fetched is failed and dropped from the run.
func (r *run) fetchAssets(ctx context.Context) {
	kept := r.stages[:0:0]
	for _, st := range r.stages {
		p, ok := st.Params.(model.AssetParams)
		if !ok {
			kept = append(kept, st)
			continue
		}
		dst := filepath.Join(r.dir, "assets", strings.ToLower(string(st.Kind))+assetExt(st.Kind, p.AssetURL()))
		err := r.fetchAsset(ctx, p.AssetURL(), dst)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			serr := model.StageError(model.CodeAcquisition, st.Kind, err)
			r.noteError(serr)
			r.record(st.Kind, model.OutcomeFailed, serr)
			r.logger.Warn().Err(err).Str(log.FieldStage, string(st.Kind)).Msg("asset not fetched, skipping stage")
			continue
		}
		kept = append(kept, model.Stage{Kind: st.Kind, Params: p.LocalCopy(dst)})
	}
	r.stages = kept
}

func (r *run) fetchAsset(ctx context.Context, rawURL, dst string) error {
	u, err := platformnet.ValidateOutboundURL(ctx, rawURL, r.c.cfg.Outbound)
	if err != nil {
		return err
	}
	return r.fetch(ctx, u, dst)
}

func assetExt(k model.StageKind, raw string) string {
	e := urlExt(raw)
	if k == model.StageWatermark {
		switch e {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
			return e
		}
		return ".png"
	}
	switch e {
	case ".mp4", ".mov", ".mkv", ".webm", ".m4v", ".ts":
		return e
	}
	return ".mp4"
}
