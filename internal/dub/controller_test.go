package dub

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/mvallone/dubsync/internal/audio"
	"github.com/mvallone/dubsync/internal/synth"
	"github.com/mvallone/dubsync/internal/timeline"
)

const testRate = 24000

// fakeOps implements the filter backend in pure Go so controller tests do
// not need ffmpeg on the machine.
type fakeOps struct{}

func wavDuration(path string) float64 {
	a, err := audio.AnalyzeWAVFile(path)
	if err != nil {
		return 0
	}
	return a.Duration
}

func writeTone(path string, seconds float64) error {
	n := int(seconds * testRate)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		if (i/(testRate/20))%2 == 0 {
			v := math.Sin(2 * math.Pi * 220 * float64(i) / testRate)
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*0.5*32767)))
		}
	}
	return audio.WriteWAVPCM16LEFile(path, pcm, testRate)
}

func (fakeOps) Stretch(_ context.Context, inPath, outPath string, factor float64) error {
	return writeTone(outPath, wavDuration(inPath)*factor)
}

func (fakeOps) GenerateSilence(path string, seconds float64) error {
	return audio.WriteSilenceWAVFile(path, seconds, testRate)
}

func (fakeOps) Concat(_ context.Context, files []string, outPath string) error {
	var total float64
	for _, f := range files {
		total += wavDuration(f)
	}
	return writeTone(outPath, total)
}

func (fakeOps) SampleRate() int { return testRate }

// wavOracle measures durations by decoding, the test stand-in for ffprobe.
type wavOracle struct{}

func (wavOracle) Duration(_ context.Context, path string) float64 {
	if d := wavDuration(path); d > 0 {
		return d
	}
	return 1.0
}

func newTestController(t *testing.T, backend synth.Backend) *Controller {
	t.Helper()
	return NewController(nil, Config{
		SpectralQualityFloor: 0.2,
	}, backend, wavOracle{}, fakeOps{}, nil, nil, t.TempDir())
}

func seg(index int, start, end, total float64) *timeline.Segment {
	return &timeline.Segment{
		Index:         index,
		Start:         start,
		End:           end,
		OriginalText:  "segment text",
		SynthesisText: "segment text",
	}
}

func TestProcessSegmentAcceptsNaturalFit(t *testing.T) {
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 4.0 },
	}
	c := newTestController(t, backend)
	s := seg(0, 0, 4, 10)

	outcome, err := c.ProcessSegment(context.Background(), s, 1.0)
	if err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if outcome.State != StateAccepted {
		t.Fatalf("state = %v, want ACCEPTED", outcome.State)
	}
	if len(outcome.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(outcome.Attempts))
	}
	if s.SilenceFallback || !s.Voiced {
		t.Error("segment should be voiced, not a fallback")
	}
	if math.Abs(s.MeasuredDuration-4.0) > 0.01 {
		t.Errorf("MeasuredDuration = %v, want ~4.0", s.MeasuredDuration)
	}
	if s.AcceptedScale < 0.75 || s.AcceptedScale > 1.35 {
		t.Errorf("AcceptedScale = %v outside [0.75, 1.35]", s.AcceptedScale)
	}
}

func TestProcessSegmentStretchCorrectsModestMiss(t *testing.T) {
	// Synthesized take runs 20% short; a 1.25x in-range stretch fixes it.
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 8.0 },
	}
	c := newTestController(t, backend)
	s := seg(0, 0, 10, 20)

	outcome, err := c.ProcessSegment(context.Background(), s, 1.0)
	if err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if outcome.State != StateAccepted {
		t.Fatalf("state = %v, want ACCEPTED", outcome.State)
	}
	if math.Abs(s.MeasuredDuration-10.0) > 0.05 {
		t.Errorf("MeasuredDuration = %v, want ~10.0 after corrective stretch", s.MeasuredDuration)
	}
	if s.AcceptedScale < 0.75 || s.AcceptedScale > 1.35 {
		t.Errorf("AcceptedScale = %v outside [0.75, 1.35]", s.AcceptedScale)
	}
}

func TestProcessSegmentOverlongFallsBackToSilence(t *testing.T) {
	// Speech consistently 50% longer than the slot across all retries: no
	// in-range shrink can fit it, so the slot becomes exact silence.
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 15.0 },
	}
	c := newTestController(t, backend)
	s := seg(1, 20, 30, 120)

	outcome, err := c.ProcessSegment(context.Background(), s, 1.0)
	if err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if outcome.State != StateFallbackSilence {
		t.Fatalf("state = %v, want FALLBACK_SILENCE", outcome.State)
	}
	if !s.SilenceFallback || s.Voiced {
		t.Error("segment should be a silence fallback")
	}
	if len(outcome.Attempts) != 3 {
		t.Errorf("attempts = %d, want full budget of 3", len(outcome.Attempts))
	}
	if math.Abs(s.MeasuredDuration-10.0) > 1.0/testRate {
		t.Errorf("fallback silence duration = %v, want exactly 10.0", s.MeasuredDuration)
	}
}

func TestProcessSegmentComplementPath(t *testing.T) {
	// Natural take fills 4s of a 10s slot: padding beats slowing speech to
	// an unnatural crawl.
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 4.0 },
	}
	c := newTestController(t, backend)
	s := seg(2, 0, 10, 20)

	outcome, err := c.ProcessSegment(context.Background(), s, 1.0)
	if err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if outcome.State != StateAccepted {
		t.Fatalf("state = %v, want ACCEPTED via complement", outcome.State)
	}
	if outcome.ComplementPad != 1.0 {
		t.Errorf("ComplementPad = %v, want capped 1.0", outcome.ComplementPad)
	}
	if s.AcceptedScale != 1.0 {
		t.Errorf("AcceptedScale = %v, want natural 1.0", s.AcceptedScale)
	}
	if math.Abs(s.MeasuredDuration-5.0) > 0.01 {
		t.Errorf("MeasuredDuration = %v, want raw 4.0 + pad 1.0", s.MeasuredDuration)
	}
}

func TestProcessSegmentUnvoicedFallsBack(t *testing.T) {
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 4.0 },
		Silent:      func(synth.Request) bool { return true },
	}
	c := newTestController(t, backend)
	s := seg(3, 0, 4, 10)

	outcome, err := c.ProcessSegment(context.Background(), s, 1.0)
	if err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if outcome.State != StateFallbackSilence {
		t.Fatalf("state = %v, want FALLBACK_SILENCE for silent synthesis", outcome.State)
	}
}

func TestProcessSegmentUsesCacheAcrossCalls(t *testing.T) {
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(synth.Request) float64 { return 4.0 },
	}
	cache := synth.NewResultCache()
	c := NewController(nil, Config{SpectralQualityFloor: 0.2},
		backend, wavOracle{}, fakeOps{}, nil, cache, t.TempDir())

	s1 := seg(0, 0, 4, 10)
	if _, err := c.ProcessSegment(context.Background(), s1, 1.0); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	calls := len(backend.Calls)

	s2 := seg(1, 5, 9, 10)
	if _, err := c.ProcessSegment(context.Background(), s2, 1.0); err != nil {
		t.Fatalf("ProcessSegment() error = %v", err)
	}
	if len(backend.Calls) != calls {
		t.Errorf("second segment with identical text re-synthesized (%d -> %d calls)",
			calls, len(backend.Calls))
	}
}

func TestNextScaleDampedAndBounded(t *testing.T) {
	c := newTestController(t, &synth.ScriptedBackend{SampleRate: testRate})

	// Result ran long: next scale must shrink but stay in bounds.
	att := Attempt{ScaleUsed: 1.0, ResultDuration: 20}
	next := c.nextScale(1.0, 10, att, []Attempt{att})
	if next >= 1.0 {
		t.Errorf("nextScale = %v, want < 1.0 when audio ran long", next)
	}
	if next < 0.75 || next > 1.35 {
		t.Errorf("nextScale = %v outside [0.75, 1.35]", next)
	}

	// Later attempts correct less than the first.
	first := c.nextScale(1.0, 10, att, []Attempt{att})
	later := c.nextScale(1.0, 10, att, []Attempt{{ScaleUsed: 1.0}, {ScaleUsed: 1.0}, att})
	if math.Abs(1-later) >= math.Abs(1-first) {
		t.Errorf("damping did not shrink with attempts: first %v, later %v", first, later)
	}
}

func TestMinPrecisionBuckets(t *testing.T) {
	if minPrecisionFor(0.5) >= minPrecisionFor(2.0) {
		t.Error("short segments should have looser precision floors")
	}
	if minPrecisionFor(5.0) >= minPrecisionFor(30.0) {
		t.Error("long segments should have stricter precision floors")
	}
}
