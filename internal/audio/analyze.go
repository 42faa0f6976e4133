package audio

import (
	"fmt"
	"math"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Analysis summarizes a WAV file for the synthesis acceptance checks.
type Analysis struct {
	SampleRate  int
	SampleCount int
	Duration    float64
	// MeanVolumeDB is the RMS level over the whole file in dBFS.
	MeanVolumeDB float64
	// SpectralQuality scores frame-to-frame dynamics in [0, 1]. Natural
	// speech alternates loud and quiet frames; flat noise or a stuck tone
	// scores near zero.
	SpectralQuality float64
}

const analysisFrameMs = 20

// AnalyzeWAVFile decodes a WAV file and computes the acceptance signals.
func AnalyzeWAVFile(path string) (Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return Analysis{}, fmt.Errorf("analyze %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Analysis{}, fmt.Errorf("analyze %s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Analysis{}, fmt.Errorf("analyze %s: read PCM: %w", path, err)
	}
	return analyzeBuffer(buf), nil
}

func analyzeBuffer(buf *gaudio.IntBuffer) Analysis {
	rate := buf.Format.SampleRate
	samples := buf.AsFloat32Buffer().Data
	if buf.Format.NumChannels > 1 {
		samples = downmix(samples, buf.Format.NumChannels)
	}

	a := Analysis{
		SampleRate:  rate,
		SampleCount: len(samples),
	}
	if rate > 0 {
		a.Duration = float64(len(samples)) / float64(rate)
	}
	if len(samples) == 0 {
		a.MeanVolumeDB = -96.0
		return a
	}

	frame := rate * analysisFrameMs / 1000
	if frame < 1 {
		frame = 1
	}
	var frameRMS []float64
	var sumSq float64
	for start := 0; start < len(samples); start += frame {
		end := start + frame
		if end > len(samples) {
			end = len(samples)
		}
		var fs float64
		for _, s := range samples[start:end] {
			fs += float64(s) * float64(s)
		}
		sumSq += fs
		frameRMS = append(frameRMS, math.Sqrt(fs/float64(end-start)))
	}

	rms := math.Sqrt(sumSq / float64(len(samples)))
	a.MeanVolumeDB = toDB(rms)
	a.SpectralQuality = dynamicsScore(frameRMS)
	return a
}

func downmix(samples []float32, channels int) []float32 {
	mono := make([]float32, 0, len(samples)/channels)
	for i := 0; i+channels <= len(samples); i += channels {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i+c]
		}
		mono = append(mono, sum/float32(channels))
	}
	return mono
}

func toDB(rms float64) float64 {
	if rms <= 0 {
		return -96.0
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		db = -96
	}
	return db
}

// dynamicsScore is the coefficient of variation of frame RMS, squashed into
// [0, 1]. Values around 0.5 and above are typical for speech.
func dynamicsScore(frameRMS []float64) float64 {
	if len(frameRMS) < 2 {
		return 0
	}
	var mean float64
	for _, v := range frameRMS {
		mean += v
	}
	mean /= float64(len(frameRMS))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, v := range frameRMS {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(frameRMS))
	cv := math.Sqrt(variance) / mean
	score := cv / (cv + 1)
	return math.Min(1, score*2)
}
