// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// StageParams is the typed parameter payload of one stage kind.
// Each kind has exactly one implementation; see newParams.
type StageParams interface {
	Kind() StageKind
	Validate() error
}

// AssetParams reference a client-hosted media file that the pipeline fetches
// before use. LocalCopy returns a copy of the params pointing at path.
type AssetParams interface {
	StageParams
	AssetURL() string
	LocalCopy(path string) StageParams
}

// Stage is a tagged variant: Kind selects the concrete Params type.
type Stage struct {
	Kind   StageKind
	Params StageParams
}

type stageWire struct {
	Kind   StageKind       `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes the stage as {"kind": ..., "params": {...}}.
func (s Stage) MarshalJSON() ([]byte, error) {
	w := stageWire{Kind: s.Kind}
	if s.Params != nil {
		raw, err := json.Marshal(s.Params)
		if err != nil {
			return nil, err
		}
		w.Params = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes params into the concrete type bound to the kind.
// Unknown kinds and unknown param fields are rejected.
func (s *Stage) UnmarshalJSON(b []byte) error {
	var w stageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := newParams(w.Kind)
	if err != nil {
		return err
	}
	if len(w.Params) > 0 && string(w.Params) != "null" {
		dec := json.NewDecoder(strings.NewReader(string(w.Params)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return fmt.Errorf("stage %s params: %w", w.Kind, err)
		}
	}
	s.Kind = w.Kind
	s.Params = p
	return nil
}

func newParams(k StageKind) (StageParams, error) {
	switch k {
	case StageMirror:
		return &MirrorParams{}, nil
	case StageCropAspect:
		return &CropAspectParams{}, nil
	case StageColorGrade:
		return &ColorGradeParams{}, nil
	case StageUniqueness:
		return &UniquenessParams{}, nil
	case StageTextOverlay:
		return &TextOverlayParams{}, nil
	case StageWatermark:
		return &WatermarkParams{}, nil
	case StageAudioVolume:
		return &AudioVolumeParams{}, nil
	case StageSubtitles:
		return &SubtitlesParams{}, nil
	case StageTextToSpeech:
		return &TextToSpeechParams{}, nil
	case StageObjectRemoval:
		return &ObjectRemovalParams{}, nil
	case StageFaceSubstitution:
		return &FaceSubstitutionParams{}, nil
	case StageSongGeneration:
		return &SongGenerationParams{}, nil
	case StageIntro:
		return &IntroParams{}, nil
	case StageOutro:
		return &OutroParams{}, nil
	}
	return nil, fmt.Errorf("unsupported stage kind %q", k)
}

// Anchor names an overlay position on the frame.
type Anchor string

const (
	AnchorTopLeft      Anchor = "TOP_LEFT"
	AnchorTopCenter    Anchor = "TOP_CENTER"
	AnchorTopRight     Anchor = "TOP_RIGHT"
	AnchorCenter       Anchor = "CENTER"
	AnchorBottomLeft   Anchor = "BOTTOM_LEFT"
	AnchorBottomCenter Anchor = "BOTTOM_CENTER"
	AnchorBottomRight  Anchor = "BOTTOM_RIGHT"
)

// Valid reports whether a is a known anchor. The empty anchor is valid and
// resolves to the stage default.
func (a Anchor) Valid() bool {
	switch a {
	case "", AnchorTopLeft, AnchorTopCenter, AnchorTopRight, AnchorCenter,
		AnchorBottomLeft, AnchorBottomCenter, AnchorBottomRight:
		return true
	}
	return false
}

type MirrorParams struct {
	Horizontal bool `json:"horizontal"`
	Vertical   bool `json:"vertical"`
}

func (*MirrorParams) Kind() StageKind { return StageMirror }

func (p *MirrorParams) Validate() error {
	if !p.Horizontal && !p.Vertical {
		return errors.New("mirror: at least one of horizontal or vertical is required")
	}
	return nil
}

// CropAspectParams crops the frame to a target aspect ratio such as "9:16".
type CropAspectParams struct {
	Aspect string `json:"aspect"`
}

func (*CropAspectParams) Kind() StageKind { return StageCropAspect }

func (p *CropAspectParams) Validate() error {
	_, _, err := p.Ratio()
	return err
}

// Ratio parses Aspect into its width and height terms.
func (p *CropAspectParams) Ratio() (int, int, error) {
	w, h, ok := strings.Cut(p.Aspect, ":")
	if !ok {
		return 0, 0, fmt.Errorf("crop: aspect %q must look like W:H", p.Aspect)
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 || wi > 100 || hi > 100 {
		return 0, 0, fmt.Errorf("crop: invalid aspect %q", p.Aspect)
	}
	return wi, hi, nil
}

// ColorGradeParams maps onto the eq filter. Zero contrast/saturation/gamma
// mean "unchanged".
type ColorGradeParams struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Gamma      float64 `json:"gamma"`
}

func (*ColorGradeParams) Kind() StageKind { return StageColorGrade }

func (p *ColorGradeParams) Validate() error {
	if p.Brightness < -1 || p.Brightness > 1 {
		return fmt.Errorf("color: brightness %.2f out of range [-1,1]", p.Brightness)
	}
	for name, v := range map[string]float64{"contrast": p.Contrast, "saturation": p.Saturation, "gamma": p.Gamma} {
		if v < 0 || v > 3 {
			return fmt.Errorf("color: %s %.2f out of range [0,3]", name, v)
		}
	}
	return nil
}

// UniquenessParams drives the fixed micro-scale plus hue-shift transform.
// Zero values fall back to the engine defaults.
type UniquenessParams struct {
	ScalePercent    float64 `json:"scalePercent,omitempty"`
	HueShiftDegrees float64 `json:"hueShiftDegrees,omitempty"`
}

func (*UniquenessParams) Kind() StageKind { return StageUniqueness }

func (p *UniquenessParams) Validate() error {
	if p.ScalePercent < 0 || p.ScalePercent > 10 {
		return fmt.Errorf("uniqueness: scalePercent %.2f out of range [0,10]", p.ScalePercent)
	}
	if p.HueShiftDegrees < -30 || p.HueShiftDegrees > 30 {
		return fmt.Errorf("uniqueness: hueShiftDegrees %.2f out of range [-30,30]", p.HueShiftDegrees)
	}
	return nil
}

type TextOverlayParams struct {
	Text     string `json:"text"`
	Anchor   Anchor `json:"anchor,omitempty"`
	FontSize int    `json:"fontSize,omitempty"`
	Color    string `json:"color,omitempty"`
}

func (*TextOverlayParams) Kind() StageKind { return StageTextOverlay }

func (p *TextOverlayParams) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("text overlay: text is required")
	}
	if len(p.Text) > 200 {
		return errors.New("text overlay: text longer than 200 bytes")
	}
	if !p.Anchor.Valid() {
		return fmt.Errorf("text overlay: unknown anchor %q", p.Anchor)
	}
	if p.FontSize < 0 || p.FontSize > 200 {
		return fmt.Errorf("text overlay: fontSize %d out of range", p.FontSize)
	}
	if p.Color != "" && !overlayColor.MatchString(p.Color) {
		return fmt.Errorf("text overlay: color %q must be a color name or #RRGGBB[@alpha]", p.Color)
	}
	return nil
}

// overlayColor admits an ffmpeg color name or hex value with an optional
// @alpha in [0,1]. Nothing else may reach a filter graph.
var overlayColor = regexp.MustCompile(`^(?:[A-Za-z]{3,24}|#[0-9A-Fa-f]{6}|0x[0-9A-Fa-f]{6})(?:@(?:0(?:\.[0-9]{1,3})?|1(?:\.0{1,3})?))?$`)

// WatermarkParams overlays an image at a named anchor.
type WatermarkParams struct {
	ImageURL     string  `json:"imageUrl"`
	Anchor       Anchor  `json:"anchor,omitempty"`
	Opacity      float64 `json:"opacity,omitempty"`
	WidthPercent float64 `json:"widthPercent,omitempty"`
}

func (*WatermarkParams) Kind() StageKind { return StageWatermark }

func (p *WatermarkParams) AssetURL() string { return p.ImageURL }

func (p *WatermarkParams) LocalCopy(path string) StageParams {
	c := *p
	c.ImageURL = path
	return &c
}

func (p *WatermarkParams) Validate() error {
	if err := validateURL("watermark: imageUrl", p.ImageURL); err != nil {
		return err
	}
	if !p.Anchor.Valid() {
		return fmt.Errorf("watermark: unknown anchor %q", p.Anchor)
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("watermark: opacity %.2f out of range [0,1]", p.Opacity)
	}
	if p.WidthPercent < 0 || p.WidthPercent > 100 {
		return fmt.Errorf("watermark: widthPercent %.2f out of range [0,100]", p.WidthPercent)
	}
	return nil
}

type AudioVolumeParams struct {
	Gain float64 `json:"gain"`
}

func (*AudioVolumeParams) Kind() StageKind { return StageAudioVolume }

func (p *AudioVolumeParams) Validate() error {
	if p.Gain < 0 || p.Gain > 4 {
		return fmt.Errorf("audio volume: gain %.2f out of range [0,4]", p.Gain)
	}
	return nil
}

// SubtitlesParams requests transcription plus translation into TargetLanguage.
type SubtitlesParams struct {
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage"`
}

func (*SubtitlesParams) Kind() StageKind { return StageSubtitles }

func (p *SubtitlesParams) Validate() error {
	if p.SourceLanguage != "" {
		if err := validateLanguage("subtitles: sourceLanguage", p.SourceLanguage); err != nil {
			return err
		}
	}
	return validateLanguage("subtitles: targetLanguage", p.TargetLanguage)
}

type TextToSpeechParams struct {
	Voice    string `json:"voice"`
	Language string `json:"language,omitempty"`
}

func (*TextToSpeechParams) Kind() StageKind { return StageTextToSpeech }

func (p *TextToSpeechParams) Validate() error {
	if strings.TrimSpace(p.Voice) == "" {
		return errors.New("text to speech: voice is required")
	}
	if p.Language != "" {
		return validateLanguage("text to speech: language", p.Language)
	}
	return nil
}

type ObjectRemovalParams struct {
	Prompt string `json:"prompt"`
}

func (*ObjectRemovalParams) Kind() StageKind { return StageObjectRemoval }

func (p *ObjectRemovalParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errors.New("object removal: prompt is required")
	}
	return nil
}

type FaceSubstitutionParams struct {
	FaceImageURL string `json:"faceImageUrl"`
}

func (*FaceSubstitutionParams) Kind() StageKind { return StageFaceSubstitution }

func (p *FaceSubstitutionParams) Validate() error {
	return validateURL("face substitution: faceImageUrl", p.FaceImageURL)
}

type SongGenerationParams struct {
	Prompt string `json:"prompt"`
	Lyrics string `json:"lyrics,omitempty"`
	Style  string `json:"style,omitempty"`
}

func (*SongGenerationParams) Kind() StageKind { return StageSongGeneration }

func (p *SongGenerationParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" && strings.TrimSpace(p.Lyrics) == "" {
		return errors.New("song generation: prompt or lyrics is required")
	}
	return nil
}

// IntroParams references a clip prepended to the main track.
type IntroParams struct {
	URL string `json:"url"`
}

func (*IntroParams) Kind() StageKind { return StageIntro }

func (p *IntroParams) Validate() error { return validateURL("intro: url", p.URL) }

func (p *IntroParams) AssetURL() string { return p.URL }

func (p *IntroParams) LocalCopy(path string) StageParams { return &IntroParams{URL: path} }

// OutroParams references a clip appended to the main track.
type OutroParams struct {
	URL string `json:"url"`
}

func (*OutroParams) Kind() StageKind { return StageOutro }

func (p *OutroParams) Validate() error { return validateURL("outro: url", p.URL) }

func (p *OutroParams) AssetURL() string { return p.URL }

func (p *OutroParams) LocalCopy(path string) StageParams { return &OutroParams{URL: path} }

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", field)
	}
	return nil
}

func validateLanguage(field, tag string) error {
	if tag == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := language.Parse(tag); err != nil {
		return fmt.Errorf("%s %q is not a BCP 47 tag", field, tag)
	}
	return nil
}
