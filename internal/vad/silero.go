package vad

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/wav"
	"github.com/streamer45/silero-vad-go/speech"
)

// The silero model only accepts 16kHz mono input.
const sileroRate = 16000

// SileroDetector runs the silero VAD model over a file. The underlying
// detector is not safe for concurrent use, so calls are serialized.
type SileroDetector struct {
	mu  sync.Mutex
	det *speech.Detector
}

// NewSileroDetector loads the ONNX model at modelPath.
func NewSileroDetector(modelPath string, threshold float64) (*SileroDetector, error) {
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           sileroRate,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("load silero model: %w", err)
	}
	return &SileroDetector{det: det}, nil
}

func (d *SileroDetector) HasVoice(ctx context.Context, wavPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	samples, rate, err := readMonoFloat32(wavPath)
	if err != nil {
		return false, err
	}
	if rate != sileroRate {
		samples = resampleLinear(samples, rate, sileroRate)
	}
	if len(samples) == 0 {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	segments, err := d.det.Detect(samples)
	if err != nil {
		return false, fmt.Errorf("silero detect: %w", err)
	}
	return len(segments) > 0, nil
}

func (d *SileroDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.det.Destroy()
}

func readMonoFloat32(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: read PCM: %w", path, err)
	}
	samples := buf.AsFloat32Buffer().Data
	if ch := buf.Format.NumChannels; ch > 1 {
		mono := make([]float32, 0, len(samples)/ch)
		for i := 0; i+ch <= len(samples); i += ch {
			var sum float32
			for c := 0; c < ch; c++ {
				sum += samples[i+c]
			}
			mono = append(mono, sum/float32(ch))
		}
		samples = mono
	}
	return samples, buf.Format.SampleRate, nil
}

// resampleLinear is good enough for VAD: the model cares about energy
// envelopes, not fidelity.
func resampleLinear(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		return in
	}
	n := int(float64(len(in)) * float64(toRate) / float64(fromRate))
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * float64(fromRate) / float64(toRate)
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
