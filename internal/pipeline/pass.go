package pipeline

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/assemble"
	"github.com/mvallone/dubsync/internal/calibrate"
	"github.com/mvallone/dubsync/internal/dub"
	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/synth"
	"github.com/mvallone/dubsync/internal/timeline"
	"github.com/mvallone/dubsync/internal/vad"
)

// MediaOps is the filter backend surface the pipeline consumes. media.Runner
// satisfies it; tests swap in pure-Go fakes.
type MediaOps interface {
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
	Stretch(ctx context.Context, inPath, outPath string, factor float64) error
	GenerateSilence(path string, seconds float64) error
	Concat(ctx context.Context, files []string, outPath string) error
	TrimToDuration(ctx context.Context, inPath, outPath string, seconds float64) error
	Boost(ctx context.Context, inPath, outPath string, gainDB float64) error
	MeanVolume(ctx context.Context, path string) float64
	SampleRate() int
}

// segmentPass runs one synthesize-and-assemble pass. The result cache is
// shared across passes so segments whose scale estimate did not change are
// not re-synthesized.
type segmentPass struct {
	logger   *zap.Logger
	cfg      dub.Config
	backend  synth.Backend
	oracle   dub.Oracle
	ops      MediaOps
	detector vad.Detector
	cache    *synth.ResultCache
	metrics  *observability.Metrics
	window   *observability.StageWindow
}

func (p *segmentPass) Run(ctx context.Context, tl *timeline.Timeline, st calibrate.State, dir string) (calibrate.PassReport, error) {
	ctrl := dub.NewController(p.logger, p.cfg, p.backend, p.oracle, p.ops, p.detector, p.cache, dir)

	var (
		ratioSum  float64
		ratioN    int
		voiced    int
		fallbacks int
	)
	for _, seg := range tl.Segments {
		outcome, err := ctrl.ProcessSegment(ctx, seg, st.GlobalLengthScale)
		if err != nil {
			return calibrate.PassReport{}, err
		}
		if p.metrics != nil {
			p.metrics.SegmentsProcessed.WithLabelValues(string(outcome.State)).Inc()
			p.metrics.SynthAttempts.Add(float64(len(outcome.Attempts)))
		}
		if seg.SilenceFallback {
			fallbacks++
			if p.metrics != nil {
				p.metrics.SilenceFallbacks.Inc()
			}
			p.window.ObserveIndicator("silence_fallback")
			continue
		}
		voiced++
		if seg.MeasuredDuration > 0 {
			ratioSum += seg.TargetDuration() / seg.MeasuredDuration
			ratioN++
		}
		if p.metrics != nil {
			p.metrics.SegmentPrecision.Observe(segmentPrecision(seg))
		}
	}

	asm := assemble.New(p.logger, p.ops, p.oracle, dir)
	res, err := asm.Assemble(ctx, tl, st.SilenceCompensation, filepath.Join(dir, "dubbed.wav"))
	if err != nil {
		return calibrate.PassReport{}, err
	}

	report := calibrate.PassReport{
		OutputPath:     res.OutputPath,
		TargetDuration: tl.TotalDuration,
		RawDuration:    res.RawDuration,
		VoicedFraction: float64(voiced) / float64(len(tl.Segments)),
		FallbackCount:  fallbacks,
		MeanVolumeDB:   p.ops.MeanVolume(ctx, res.OutputPath),
	}
	if ratioN > 0 {
		report.SegmentRatio = ratioSum / float64(ratioN)
	}
	return report, nil
}

func segmentPrecision(seg *timeline.Segment) float64 {
	target := seg.TargetDuration()
	if target <= 0 || seg.MeasuredDuration <= 0 {
		return 0
	}
	lo, hi := seg.MeasuredDuration, target
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo / hi
}
