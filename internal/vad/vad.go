// Package vad answers one question about a synthesized file: is there an
// audible voice in it? The default detector uses a mean-volume floor; a
// silero model-backed detector can be swapped in when a model file is
// configured.
package vad

import (
	"context"

	"github.com/mvallone/dubsync/internal/audio"
)

// Detector reports whether a WAV file contains audible voice.
type Detector interface {
	HasVoice(ctx context.Context, wavPath string) (bool, error)
	Close() error
}

// VolumeDetector treats any file whose mean volume clears the floor and
// whose dynamics look speech-like as voiced. Cheap and dependency-free; the
// acceptance logic is deliberately permissive, so false positives are far
// less harmful than false negatives here.
type VolumeDetector struct {
	FloorDB      float64
	QualityFloor float64
}

func NewVolumeDetector(floorDB, qualityFloor float64) *VolumeDetector {
	if floorDB == 0 {
		floorDB = -40
	}
	return &VolumeDetector{FloorDB: floorDB, QualityFloor: qualityFloor}
}

func (d *VolumeDetector) HasVoice(_ context.Context, wavPath string) (bool, error) {
	a, err := audio.AnalyzeWAVFile(wavPath)
	if err != nil {
		return false, err
	}
	return a.MeanVolumeDB > d.FloorDB && a.SpectralQuality >= d.QualityFloor, nil
}

func (d *VolumeDetector) Close() error { return nil }
