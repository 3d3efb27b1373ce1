// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "fmt"

// StageKind is the closed set of transformations a job may select.
type StageKind string

const (
	// Local stages run in the transcoding engine.
	StageMirror      StageKind = "MIRROR"
	StageCropAspect  StageKind = "CROP_ASPECT"
	StageColorGrade  StageKind = "COLOR_GRADE"
	StageUniqueness  StageKind = "UNIQUENESS"
	StageTextOverlay StageKind = "TEXT_OVERLAY"
	StageWatermark   StageKind = "WATERMARK"
	StageAudioVolume StageKind = "AUDIO_VOLUME"

	// Remote stages are delegated to the AI processing service.
	StageSubtitles        StageKind = "SUBTITLES"
	StageTextToSpeech     StageKind = "TEXT_TO_SPEECH"
	StageObjectRemoval    StageKind = "OBJECT_REMOVAL"
	StageFaceSubstitution StageKind = "FACE_SUBSTITUTION"
	StageSongGeneration   StageKind = "SONG_GENERATION"

	// Compose stages wrap the main track.
	StageIntro StageKind = "INTRO"
	StageOutro StageKind = "OUTRO"
)

// StageClass groups stage kinds by the component that executes them.
type StageClass string

const (
	ClassLocal   StageClass = "local"
	ClassRemote  StageClass = "remote"
	ClassCompose StageClass = "compose"
)

var stageClasses = map[StageKind]StageClass{
	StageMirror:           ClassLocal,
	StageCropAspect:       ClassLocal,
	StageColorGrade:       ClassLocal,
	StageUniqueness:       ClassLocal,
	StageTextOverlay:      ClassLocal,
	StageWatermark:        ClassLocal,
	StageAudioVolume:      ClassLocal,
	StageSubtitles:        ClassRemote,
	StageTextToSpeech:     ClassRemote,
	StageObjectRemoval:    ClassRemote,
	StageFaceSubstitution: ClassRemote,
	StageSongGeneration:   ClassRemote,
	StageIntro:            ClassCompose,
	StageOutro:            ClassCompose,
}

// AllStageKinds lists every supported kind in canonical execution order.
var AllStageKinds = []StageKind{
	StageMirror, StageCropAspect, StageColorGrade, StageUniqueness,
	StageTextOverlay, StageWatermark, StageAudioVolume,
	StageSubtitles, StageTextToSpeech, StageObjectRemoval, StageFaceSubstitution, StageSongGeneration,
	StageIntro, StageOutro,
}

// Valid reports whether k is part of the closed stage set.
func (k StageKind) Valid() bool {
	_, ok := stageClasses[k]
	return ok
}

// Class returns the executing component class of k.
func (k StageKind) Class() StageClass {
	return stageClasses[k]
}

// IsLocal reports whether k runs in the local transcoding engine.
func (k StageKind) IsLocal() bool { return k.Class() == ClassLocal }

// IsRemote reports whether k is delegated to the remote AI service.
func (k StageKind) IsRemote() bool { return k.Class() == ClassRemote }

// ParseStageKind validates a wire value.
func ParseStageKind(s string) (StageKind, error) {
	k := StageKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unsupported stage kind %q", s)
	}
	return k, nil
}
