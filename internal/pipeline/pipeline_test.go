package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mvallone/dubsync/internal/audio"
	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/subtitle"
	"github.com/mvallone/dubsync/internal/synth"
)

const testRate = 24000

// testOps is a pure-Go MediaOps so pipeline tests run without ffmpeg.
type testOps struct {
	sourceDuration float64
}

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

func (o testOps) ExtractAudio(_ context.Context, _, outPath string) error {
	return writeTone(outPath, o.sourceDuration)
}

func (o testOps) Stretch(_ context.Context, inPath, outPath string, factor float64) error {
	return writeTone(outPath, wavDuration(inPath)*factor)
}

func (o testOps) GenerateSilence(path string, seconds float64) error {
	return audio.WriteSilenceWAVFile(path, seconds, testRate)
}

func (o testOps) Concat(_ context.Context, files []string, outPath string) error {
	var total float64
	for _, f := range files {
		total += wavDuration(f)
	}
	return writeTone(outPath, total)
}

func (o testOps) TrimToDuration(_ context.Context, _, outPath string, seconds float64) error {
	return writeTone(outPath, seconds)
}

func (o testOps) Boost(_ context.Context, inPath, outPath string, _ float64) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}

func (o testOps) MeanVolume(_ context.Context, path string) float64 {
	a, err := audio.AnalyzeWAVFile(path)
	if err != nil {
		return -96
	}
	return a.MeanVolumeDB
}

func (o testOps) SampleRate() int { return testRate }

// fileOracle decodes WAVs and reports a fixed duration for everything else,
// standing in for ffprobe on the fake video container.
type fileOracle struct {
	videoDuration float64
}

func (o fileOracle) Duration(_ context.Context, path string) float64 {
	if d := wavDuration(path); d > 0 {
		return d
	}
	return o.videoDuration
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) stages() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.events))
	for _, e := range s.events {
		out[e.Stage] = true
	}
	return out
}

func writeSRT(t *testing.T, cues []subtitle.Cue) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subs.srt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := subtitle.WriteSRT(f, cues); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFakeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("not a real container"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPipeline(t *testing.T, backend synth.Backend, sink EventSink) *Pipeline {
	t.Helper()
	return New(Options{
		WorkDir:       t.TempDir(),
		MaxConcurrent: 2,
	}, Deps{
		Oracle:  fileOracle{videoDuration: 10},
		Ops:     testOps{sourceDuration: 10},
		Backend: backend,
		Events:  sink,
	})
}

func TestPipelineEndToEndWithSubtitles(t *testing.T) {
	// Natural durations match the slots exactly, so the first calibration
	// pass is already precise and the loop stops after one iteration.
	backend := &synth.ScriptedBackend{
		SampleRate: testRate,
		DurationFor: func(req synth.Request) float64 {
			base := 2.0
			if req.Text == "Second line." {
				base = 3.0
			}
			return base * req.LengthScale
		},
	}
	sink := &recordingSink{}
	p := newTestPipeline(t, backend, sink)

	srt := writeSRT(t, []subtitle.Cue{
		{Index: 1, Start: 0, End: 2, Text: "First line."},
		{Index: 2, Start: 5, End: 8, Text: "Second line."},
	})
	job := NewJob(writeFakeVideo(t), srt, "")
	if err := p.Run(context.Background(), []*Job{job}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status, jobErr := job.Status()
	if status != JobDone {
		t.Fatalf("status = %q (err %v), want done", status, jobErr)
	}
	report := job.Report()
	if report == nil {
		t.Fatal("missing report")
	}
	if report.SegmentCount != 2 || report.FallbackCount != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.VoicedFraction != 1.0 {
		t.Fatalf("VoicedFraction = %v, want 1", report.VoicedFraction)
	}
	if math.Abs(report.ActualDuration-10) > 0.05 {
		t.Fatalf("ActualDuration = %v, want ~10", report.ActualDuration)
	}
	if report.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", report.Iterations)
	}
	if _, err := os.Stat(report.OutputPath); err != nil {
		t.Fatalf("output missing: %v", err)
	}

	stages := sink.stages()
	for _, want := range []string{"extract", "transcribe", "synchronize", "finalize", "done"} {
		if !stages[want] {
			t.Fatalf("no event for stage %q (got %v)", want, stages)
		}
	}
}

type failingTranslator struct{}

func (failingTranslator) Translate(context.Context, []subtitle.Cue, string) ([]subtitle.Cue, error) {
	return nil, errors.New("quota exceeded")
}

func TestPipelineSkipsFailedTranslationWhenSkippable(t *testing.T) {
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(req synth.Request) float64 { return 2.0 * req.LengthScale },
	}
	p := New(Options{
		WorkDir:            t.TempDir(),
		TranslateSkippable: true,
	}, Deps{
		Oracle:     fileOracle{videoDuration: 10},
		Ops:        testOps{sourceDuration: 10},
		Backend:    backend,
		Translator: failingTranslator{},
	})

	srt := writeSRT(t, []subtitle.Cue{{Index: 1, Start: 0, End: 2, Text: "Hello."}})
	job := NewJob(writeFakeVideo(t), srt, "es")
	if err := p.Run(context.Background(), []*Job{job}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status, _ := job.Status(); status != JobDone {
		t.Fatalf("status = %q, want done", status)
	}
}

func TestPipelineFailsTranslationWhenNotSkippable(t *testing.T) {
	backend := &synth.ScriptedBackend{SampleRate: testRate}
	p := New(Options{WorkDir: t.TempDir()}, Deps{
		Oracle:     fileOracle{videoDuration: 10},
		Ops:        testOps{sourceDuration: 10},
		Backend:    backend,
		Translator: failingTranslator{},
	})
	srt := writeSRT(t, []subtitle.Cue{{Index: 1, Start: 0, End: 2, Text: "Hello."}})
	job := NewJob(writeFakeVideo(t), srt, "es")
	if err := p.Run(context.Background(), []*Job{job}); err == nil {
		t.Fatal("expected error")
	}
	if status, _ := job.Status(); status != JobFailed {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestPipelineRequiresCueSource(t *testing.T) {
	backend := &synth.ScriptedBackend{SampleRate: testRate}
	p := newTestPipeline(t, backend, nil)
	job := NewJob(writeFakeVideo(t), "", "")
	if err := p.Run(context.Background(), []*Job{job}); err == nil {
		t.Fatal("expected error without subtitles or transcriber")
	}
}

func indicatorCounts(window *observability.StageWindow) map[string]int {
	counts := make(map[string]int)
	for _, ind := range window.Snapshot().Indicators {
		counts[ind.Name] = ind.Count
	}
	return counts
}

func TestPipelineRecordsSilenceFallbackIndicator(t *testing.T) {
	window := observability.NewStageWindow(16)
	// A backend that only emits silence exhausts the attempt budget and
	// settles every segment as a silence fallback.
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(req synth.Request) float64 { return 2.0 * req.LengthScale },
		Silent:      func(synth.Request) bool { return true },
	}
	p := New(Options{WorkDir: t.TempDir()}, Deps{
		Window:  window,
		Oracle:  fileOracle{videoDuration: 10},
		Ops:     testOps{sourceDuration: 10},
		Backend: backend,
	})
	srt := writeSRT(t, []subtitle.Cue{{Index: 1, Start: 0, End: 2, Text: "Hello."}})
	job := NewJob(writeFakeVideo(t), srt, "")
	if err := p.Run(context.Background(), []*Job{job}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := indicatorCounts(window)["silence_fallback"]; got == 0 {
		t.Fatalf("silence_fallback indicator not recorded: %+v", window.Snapshot().Indicators)
	}
}

func TestPipelineRecordsStageRetryIndicator(t *testing.T) {
	window := observability.NewStageWindow(16)
	p := New(Options{WorkDir: t.TempDir()}, Deps{
		Window:  window,
		Oracle:  fileOracle{videoDuration: 10},
		Ops:     testOps{sourceDuration: 10},
		Backend: &synth.ScriptedBackend{SampleRate: testRate},
	})
	job := NewJob(writeFakeVideo(t), "", "")
	if err := p.Run(context.Background(), []*Job{job}); err == nil {
		t.Fatal("expected error without subtitles or transcriber")
	}
	if got := indicatorCounts(window)["stage_retry"]; got != 2 {
		t.Fatalf("stage_retry indicator = %d, want 2", got)
	}
}

func TestPipelineOneFailureDoesNotStopOthers(t *testing.T) {
	backend := &synth.ScriptedBackend{
		SampleRate:  testRate,
		DurationFor: func(req synth.Request) float64 { return 2.0 * req.LengthScale },
	}
	p := newTestPipeline(t, backend, nil)
	srt := writeSRT(t, []subtitle.Cue{{Index: 1, Start: 0, End: 2, Text: "Hello."}})
	good := NewJob(writeFakeVideo(t), srt, "")
	bad := NewJob(writeFakeVideo(t), "", "")

	if err := p.Run(context.Background(), []*Job{bad, good}); err == nil {
		t.Fatal("expected combined error for failed job")
	}
	if status, _ := good.Status(); status != JobDone {
		t.Fatalf("good job status = %q, want done", status)
	}
	if status, _ := bad.Status(); status != JobFailed {
		t.Fatalf("bad job status = %q, want failed", status)
	}
}
