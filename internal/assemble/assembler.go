// Package assemble builds the final dubbed track from settled segments:
// silence fillers sized from the original transcript timing, lossless
// concatenation, and a sample-accurate final correction pass.
package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/audio"
	"github.com/mvallone/dubsync/internal/timeline"
)

// Ops is the slice of the filter backend the assembler needs.
type Ops interface {
	GenerateSilence(path string, seconds float64) error
	Concat(ctx context.Context, files []string, outPath string) error
	TrimToDuration(ctx context.Context, inPath, outPath string, seconds float64) error
	SampleRate() int
}

// Oracle measures a file's duration, degrading to a fallback internally.
type Oracle interface {
	Duration(ctx context.Context, path string) float64
}

// Result describes the assembled track.
type Result struct {
	OutputPath    string
	TotalDuration float64
	// RawDuration is the pre-correction total. It exceeds TotalDuration
	// when speech overran the track and the floors kept the drift in.
	RawDuration float64
	// Corrected reports whether the sample-accurate pass had to rewrite the
	// concatenated file.
	Corrected bool
}

type Assembler struct {
	logger  *zap.Logger
	ops     Ops
	oracle  Oracle
	workDir string
}

func New(logger *zap.Logger, ops Ops, oracle Oracle, workDir string) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{logger: logger, ops: ops, oracle: oracle, workDir: workDir}
}

// Assemble walks segments in chronological order keeping an actual-elapsed
// counter. Silence gaps come from the original transcript timing; when
// earlier speech overran, the following gap shrinks to catch up, but never
// below the class-weighted floor given by silenceCompensation. A final tail
// filler and the correction pass bring the total to exactly targetDuration.
func (a *Assembler) Assemble(ctx context.Context, tl *timeline.Timeline, silenceCompensation float64, outPath string) (Result, error) {
	if len(tl.Segments) == 0 {
		return Result{}, fmt.Errorf("assemble: empty timeline")
	}
	for _, seg := range tl.Segments {
		if seg.AudioPath == "" {
			return Result{}, fmt.Errorf("assemble: segment %d has no audio", seg.Index)
		}
	}
	samplePeriod := 1.0 / float64(a.ops.SampleRate())

	var files []string
	elapsed := 0.0
	for i, seg := range tl.Segments {
		gap := seg.Start - elapsed
		nominal := tl.GapBefore(i)
		if gap < nominal {
			// Earlier speech ran long. Absorb the drift here, but keep at
			// least the preserved share of the original pause.
			floor := 0.0
			if span, ok := tl.SpanBefore(i); ok {
				floor = span.CompensatedDuration(silenceCompensation)
				if floor > nominal {
					floor = nominal
				}
			}
			if gap < floor {
				gap = floor
			}
		}
		if gap > samplePeriod/2 {
			path := filepath.Join(a.workDir, fmt.Sprintf("gap_%04d.wav", i))
			if err := a.ops.GenerateSilence(path, gap); err != nil {
				return Result{}, fmt.Errorf("assemble: gap before segment %d: %w", i, err)
			}
			files = append(files, path)
			elapsed += gap
		}
		files = append(files, seg.AudioPath)
		elapsed += seg.MeasuredDuration
	}
	if tail := tl.TotalDuration - elapsed; tail > samplePeriod/2 {
		path := filepath.Join(a.workDir, "gap_tail.wav")
		if err := a.ops.GenerateSilence(path, tail); err != nil {
			return Result{}, fmt.Errorf("assemble: tail filler: %w", err)
		}
		files = append(files, path)
		elapsed += tail
	}

	rawPath := filepath.Join(a.workDir, "assembled_raw.wav")
	if err := a.ops.Concat(ctx, files, rawPath); err != nil {
		return Result{}, fmt.Errorf("assemble: concat: %w", err)
	}

	corrected, err := a.correct(ctx, rawPath, outPath, tl.TotalDuration)
	if err != nil {
		return Result{}, err
	}
	total := a.oracle.Duration(ctx, outPath)
	a.logger.Info("timeline assembled",
		zap.Int("files", len(files)),
		zap.Float64("target", tl.TotalDuration),
		zap.Float64("actual", total),
		zap.Bool("corrected", corrected))
	return Result{OutputPath: outPath, TotalDuration: total, RawDuration: elapsed, Corrected: corrected}, nil
}

// correct re-measures the concatenated file at sample granularity and
// rewrites it when it is off target by more than one sample.
func (a *Assembler) correct(ctx context.Context, rawPath, outPath string, target float64) (bool, error) {
	wantSamples := int64(target*float64(a.ops.SampleRate()) + 0.5)

	if analysis, err := audio.AnalyzeWAVFile(rawPath); err == nil {
		diff := int64(analysis.SampleCount) - wantSamples
		if diff >= -1 && diff <= 1 {
			if err := os.Rename(rawPath, outPath); err != nil {
				return false, fmt.Errorf("assemble: move output: %w", err)
			}
			return false, nil
		}
		a.logger.Info("sample-accurate correction needed",
			zap.Int64("have_samples", int64(analysis.SampleCount)),
			zap.Int64("want_samples", wantSamples))
	} else {
		a.logger.Warn("could not inspect assembled file, forcing correction", zap.Error(err))
	}

	if err := a.ops.TrimToDuration(ctx, rawPath, outPath, target); err != nil {
		return false, fmt.Errorf("assemble: correction pass: %w", err)
	}
	return true, nil
}
