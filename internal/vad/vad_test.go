package vad

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/mvallone/dubsync/internal/audio"
)

func writeGatedTone(t *testing.T, path string, seconds float64, rate int) {
	t.Helper()
	n := int(seconds * float64(rate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		if (i/(rate/20))%2 == 0 {
			v := math.Sin(2 * math.Pi * 220 * float64(i) / float64(rate))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*0.5*32767)))
		}
	}
	if err := audio.WriteWAVPCM16LEFile(path, pcm, rate); err != nil {
		t.Fatal(err)
	}
}

func TestVolumeDetectorRejectsSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	if err := audio.WriteSilenceWAVFile(path, 1.0, 24000); err != nil {
		t.Fatal(err)
	}
	d := NewVolumeDetector(-40, 0.3)
	voiced, err := d.HasVoice(context.Background(), path)
	if err != nil {
		t.Fatalf("HasVoice() error = %v", err)
	}
	if voiced {
		t.Error("silence reported as voiced")
	}
}

func TestVolumeDetectorAcceptsGatedTone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeGatedTone(t, path, 0.8, 24000)
	d := NewVolumeDetector(-40, 0.3)
	voiced, err := d.HasVoice(context.Background(), path)
	if err != nil {
		t.Fatalf("HasVoice() error = %v", err)
	}
	if !voiced {
		t.Error("audible gated tone reported as unvoiced")
	}
}

func TestVolumeDetectorMissingFile(t *testing.T) {
	d := NewVolumeDetector(-40, 0)
	if _, err := d.HasVoice(context.Background(), filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Error("missing file should error")
	}
}

func TestResampleLinearLength(t *testing.T) {
	in := make([]float32, 24000)
	out := resampleLinear(in, 24000, 16000)
	if len(out) != 16000 {
		t.Errorf("len(out) = %d, want 16000", len(out))
	}
	if got := resampleLinear(in, 16000, 16000); len(got) != len(in) {
		t.Error("same-rate resample should be identity length")
	}
}
