package calibrate

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/timeline"
)

// PassReport summarizes one full synthesize-and-assemble pass over a
// timeline. RawDuration is the assembled length before the final
// sample-accurate correction; that drift is what the loop minimizes.
type PassReport struct {
	OutputPath     string
	TargetDuration float64
	RawDuration    float64
	SegmentRatio   float64
	VoicedFraction float64
	FallbackCount  int
	MeanVolumeDB   float64
}

// Precision is 1 minus the relative duration error, clamped to [0, 1].
func (r PassReport) Precision() float64 {
	if r.TargetDuration <= 0 {
		return 0
	}
	p := 1 - math.Abs(r.RawDuration-r.TargetDuration)/r.TargetDuration
	if p < 0 {
		return 0
	}
	return p
}

// PassRunner executes one complete pass with the given calibration state,
// writing artifacts under dir.
type PassRunner interface {
	Run(ctx context.Context, tl *timeline.Timeline, st State, dir string) (PassReport, error)
}

type Config struct {
	Iterations           int
	PrecisionTarget      float64
	VoicedFractionTarget float64
	VolumeFloorDB        float64
}

func (c *Config) applyDefaults() {
	if c.Iterations <= 0 {
		c.Iterations = 5
	}
	if c.PrecisionTarget <= 0 {
		c.PrecisionTarget = 0.99
	}
	if c.VoicedFractionTarget <= 0 {
		c.VoicedFractionTarget = 0.85
	}
	if c.VolumeFloorDB == 0 {
		c.VolumeFloorDB = -40
	}
}

// Loop runs bounded calibration passes, adapting the global length scale,
// silence compensation and dynamic boost between passes, and keeps the
// best pass seen.
type Loop struct {
	cfg    Config
	runner PassRunner
	store  Store
	logger *zap.Logger
}

func NewLoop(cfg Config, runner PassRunner, store Store, logger *zap.Logger) *Loop {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, runner: runner, store: store, logger: logger}
}

// Result is the outcome of a calibration run: the best pass and the state
// that was persisted for the next run.
type Result struct {
	Best       PassReport
	BestScore  float64
	State      State
	Iterations int
}

// Run executes up to cfg.Iterations passes under workDir. It stops early
// once both the precision and voiced-fraction targets are met. The learned
// state is saved to the store even when the run ends on the budget.
func (l *Loop) Run(ctx context.Context, tl *timeline.Timeline, workDir string) (Result, error) {
	st, err := l.store.Load()
	if err != nil {
		l.logger.Warn("calibration state load failed, starting fresh", zap.Error(err))
		st = DefaultState()
	}
	st.History = nil

	var (
		best      PassReport
		bestScore = -1.0
		ran       int
	)
	for i := 1; i <= l.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		passDir := filepath.Join(workDir, fmt.Sprintf("pass_%02d", i))
		if err := os.MkdirAll(passDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create pass dir: %w", err)
		}

		report, err := l.runner.Run(ctx, tl, st, passDir)
		if err != nil {
			return Result{}, fmt.Errorf("calibration pass %d: %w", i, err)
		}
		ran = i

		precision := report.Precision()
		score := scorePass(report)
		st.History = append(st.History, IterationRecord{
			Iteration:      i,
			LengthScale:    st.GlobalLengthScale,
			Precision:      precision,
			VoicedFraction: report.VoicedFraction,
			MeanVolumeDB:   report.MeanVolumeDB,
		})
		l.logger.Info("calibration pass complete",
			zap.Int("iteration", i),
			zap.Float64("length_scale", st.GlobalLengthScale),
			zap.Float64("precision", precision),
			zap.Float64("voiced_fraction", report.VoicedFraction),
			zap.Int("fallbacks", report.FallbackCount))

		if score > bestScore {
			best = report
			bestScore = score
		}
		if precision >= l.cfg.PrecisionTarget && report.VoicedFraction >= l.cfg.VoicedFractionTarget {
			break
		}
		st = l.adapt(st, report)
	}

	st.sanitize()
	if err := l.store.Save(st); err != nil {
		l.logger.Warn("calibration state save failed", zap.Error(err))
	}
	return Result{Best: best, BestScore: bestScore, State: st, Iterations: ran}, nil
}

// adapt nudges the state toward the measurements of the last pass. Updates
// are proportional and damped so a single noisy pass cannot swing the
// state across its whole range.
func (l *Loop) adapt(st State, report PassReport) State {
	if report.SegmentRatio > 0 {
		st.GlobalLengthScale = clamp(st.GlobalLengthScale*(1+(report.SegmentRatio-1)*0.5), 0.75, 1.35)
	}

	// Speech running long eats into gaps; hand some silence back to speech
	// by lowering compensation. Restore it once speech fits again.
	switch {
	case report.SegmentRatio > 0 && report.SegmentRatio < 0.97:
		st.SilenceCompensation = clamp(st.SilenceCompensation-0.1, 0.6, 1.0)
	case report.SegmentRatio > 1.0:
		st.SilenceCompensation = clamp(st.SilenceCompensation+0.1, 0.6, 1.0)
	}

	if report.MeanVolumeDB < l.cfg.VolumeFloorDB+6 {
		deficit := (l.cfg.VolumeFloorDB + 6) - report.MeanVolumeDB
		st.DynamicBoostDB = clamp(st.DynamicBoostDB+deficit*0.5, 0, 9)
	}
	return st
}

func scorePass(report PassReport) float64 {
	return report.Precision()*0.6 + report.VoicedFraction*0.4
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
