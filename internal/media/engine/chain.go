// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

const (
	defaultScalePercent = 2.0
	defaultHueShift     = 4.0
	defaultFontSize     = 36
	defaultFontColor    = "white"
	defaultOpacity      = 0.8
	defaultWidthPercent = 20.0
	overlayMargin       = 20
)

// Phase orders operations: geometric first, then color, then overlays.
type Phase int

const (
	PhaseGeometric Phase = iota
	PhaseColor
	PhaseOverlay
	PhaseAudio
)

// Op is one declarative filter operation bound to the stage that asked for it.
type Op struct {
	Kind  model.StageKind
	Phase Phase
	// Filter is a single-input video or audio filter expression. Empty for
	// the text and image overlays, which need per-call assets.
	Filter    string
	Text      *model.TextOverlayParams
	Watermark *model.WatermarkParams
}

// FilterChain is an ordered list of operations.
type FilterChain struct {
	Ops []Op
}

// Empty reports whether the chain has nothing to do.
func (c FilterChain) Empty() bool { return len(c.Ops) == 0 }

// Kinds lists the stage kinds that contributed operations, in chain order.
func (c FilterChain) Kinds() []model.StageKind {
	out := make([]model.StageKind, 0, len(c.Ops))
	for _, op := range c.Ops {
		out = append(out, op.Kind)
	}
	return out
}

func (c FilterChain) hasVideo() bool {
	for _, op := range c.Ops {
		if op.Phase != PhaseAudio {
			return true
		}
	}
	return false
}

func (c FilterChain) audioFilters() []string {
	var out []string
	for _, op := range c.Ops {
		if op.Phase == PhaseAudio {
			out = append(out, op.Filter)
		}
	}
	return out
}

func (c FilterChain) watermark() *model.WatermarkParams {
	for _, op := range c.Ops {
		if op.Watermark != nil {
			return op.Watermark
		}
	}
	return nil
}

// BuildChain turns the local stages of a job into a FilterChain. Stages are
// emitted by phase regardless of their order in the request, so overlays are
// always drawn after geometric and color changes.
func BuildChain(stages []model.Stage) (FilterChain, error) {
	var ops []Op
	for _, st := range stages {
		if !st.Kind.IsLocal() {
			continue
		}
		op, err := buildOp(st)
		if err != nil {
			return FilterChain{}, model.StageError(model.CodeEngine, st.Kind, err)
		}
		ops = append(ops, op)
	}
	// Stable insertion sort by phase keeps request order within a phase.
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].Phase < ops[j-1].Phase; j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
	return FilterChain{Ops: ops}, nil
}

func buildOp(st model.Stage) (Op, error) {
	switch p := st.Params.(type) {
	case *model.MirrorParams:
		var parts []string
		if p.Horizontal {
			parts = append(parts, "hflip")
		}
		if p.Vertical {
			parts = append(parts, "vflip")
		}
		if len(parts) == 0 {
			return Op{}, fmt.Errorf("mirror without direction")
		}
		return Op{Kind: st.Kind, Phase: PhaseGeometric, Filter: strings.Join(parts, ",")}, nil

	case *model.CropAspectParams:
		w, h, err := p.Ratio()
		if err != nil {
			return Op{}, err
		}
		filter := fmt.Sprintf("crop='trunc(min(iw,ih*%d/%d)/2)*2':'trunc(min(ih,iw*%d/%d)/2)*2'", w, h, h, w)
		return Op{Kind: st.Kind, Phase: PhaseGeometric, Filter: filter}, nil

	case *model.ColorGradeParams:
		return Op{Kind: st.Kind, Phase: PhaseColor, Filter: eqFilter(p)}, nil

	case *model.UniquenessParams:
		scale := p.ScalePercent
		if scale == 0 {
			scale = defaultScalePercent
		}
		hue := p.HueShiftDegrees
		if hue == 0 {
			hue = defaultHueShift
		}
		f := 1 + scale/100
		filter := fmt.Sprintf("scale='trunc(iw*%s/2)*2':'trunc(ih*%s/2)*2',crop='trunc(iw/%s/2)*2':'trunc(ih/%s/2)*2',hue=h=%s",
			num(f), num(f), num(f), num(f), num(hue))
		return Op{Kind: st.Kind, Phase: PhaseColor, Filter: filter}, nil

	case *model.TextOverlayParams:
		return Op{Kind: st.Kind, Phase: PhaseOverlay, Text: p}, nil

	case *model.WatermarkParams:
		return Op{Kind: st.Kind, Phase: PhaseOverlay, Watermark: p}, nil

	case *model.AudioVolumeParams:
		return Op{Kind: st.Kind, Phase: PhaseAudio, Filter: "volume=" + num(p.Gain)}, nil
	}
	return Op{}, fmt.Errorf("no local filter for %s params %T", st.Kind, st.Params)
}

func eqFilter(p *model.ColorGradeParams) string {
	parts := []string{"brightness=" + num(p.Brightness)}
	if p.Contrast != 0 {
		parts = append(parts, "contrast="+num(p.Contrast))
	}
	if p.Saturation != 0 {
		parts = append(parts, "saturation="+num(p.Saturation))
	}
	if p.Gamma != 0 {
		parts = append(parts, "gamma="+num(p.Gamma))
	}
	return "eq=" + strings.Join(parts, ":")
}

// textPosition returns drawtext x/y expressions for an anchor.
func textPosition(a model.Anchor) (string, string) {
	return anchorTerms(a, "w", "h", "text_w", "text_h", strconv.Itoa(overlayMargin))
}

// overlayPosition returns overlay x/y expressions for an anchor. Image
// overlays default to the bottom-right corner.
func overlayPosition(a model.Anchor) (string, string) {
	if a == "" {
		a = model.AnchorBottomRight
	}
	return anchorTerms(a, "main_w", "main_h", "overlay_w", "overlay_h", strconv.Itoa(overlayMargin))
}

func anchorTerms(a model.Anchor, mw, mh, ow, oh, m string) (string, string) {
	left, center, right := m, "("+mw+"-"+ow+")/2", mw+"-"+ow+"-"+m
	top, middle, bottom := m, "("+mh+"-"+oh+")/2", mh+"-"+oh+"-"+m
	switch a {
	case model.AnchorTopLeft:
		return left, top
	case model.AnchorTopCenter:
		return center, top
	case model.AnchorTopRight:
		return right, top
	case model.AnchorCenter:
		return center, middle
	case model.AnchorBottomLeft:
		return left, bottom
	case model.AnchorBottomRight:
		return right, bottom
	default:
		return center, bottom
	}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
