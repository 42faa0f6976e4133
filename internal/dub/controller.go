// Package dub contains the per-segment synthesis controller: it drives
// synthesis attempts against the backend, measures and scores each result,
// and settles every segment as accepted audio, natural speech plus a silence
// pad, or an exact-duration silence fallback.
package dub

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/audio"
	"github.com/mvallone/dubsync/internal/media"
	"github.com/mvallone/dubsync/internal/subtitle"
	"github.com/mvallone/dubsync/internal/synth"
	"github.com/mvallone/dubsync/internal/timeline"
	"github.com/mvallone/dubsync/internal/vad"
)

// State of a segment in the controller's state machine.
type State string

const (
	StatePending         State = "PENDING"
	StateSynthesizing    State = "SYNTHESIZING"
	StateAccepted        State = "ACCEPTED"
	StateRetry           State = "RETRY"
	StateFallbackSilence State = "FALLBACK_SILENCE"
)

// Attempt records one synthesis try. Never mutated once appended; the
// history drives the next-scale estimate.
type Attempt struct {
	ScaleUsed        float64
	ResultDuration   float64
	MeanVolumeDB     float64
	SpectralQuality  float64
	HasVoice         bool
	PrecisionPercent float64
	RawPath          string
}

// Outcome summarizes how a segment was settled.
type Outcome struct {
	State         State
	Attempts      []Attempt
	ComplementPad float64
}

// Oracle measures a file's duration. It always returns a number; failures
// degrade to a fallback value inside the implementation.
type Oracle interface {
	Duration(ctx context.Context, path string) float64
}

// AudioOps is the slice of the filter backend the controller needs.
type AudioOps interface {
	Stretch(ctx context.Context, inPath, outPath string, factor float64) error
	GenerateSilence(path string, seconds float64) error
	Concat(ctx context.Context, files []string, outPath string) error
	SampleRate() int
}

// Config carries the tuned synthesis-acceptance heuristics. Values mirror
// the calibrated defaults in the config package; changing them silently
// alters output quality.
type Config struct {
	MaxAttempts          int
	ScaleMin             float64
	ScaleMax             float64
	SlowScaleCutoff      float64
	ComplementSlackSec   float64
	ForcedComplementSec  float64
	ComplementPadCapSec  float64
	AdaptiveDampingBase  float64
	VolumeFloorDB        float64
	SpectralQualityFloor float64
	Voice                string
	LangCode             string
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ScaleMin <= 0 {
		c.ScaleMin = media.NaturalScaleMin
	}
	if c.ScaleMax <= 0 {
		c.ScaleMax = media.NaturalScaleMax
	}
	if c.SlowScaleCutoff <= 0 {
		c.SlowScaleCutoff = 0.9
	}
	if c.ComplementSlackSec <= 0 {
		c.ComplementSlackSec = 2.0
	}
	if c.ForcedComplementSec <= 0 {
		c.ForcedComplementSec = 5.0
	}
	if c.ComplementPadCapSec <= 0 {
		c.ComplementPadCapSec = 1.0
	}
	if c.AdaptiveDampingBase <= 0 {
		c.AdaptiveDampingBase = 0.7
	}
	if c.VolumeFloorDB == 0 {
		c.VolumeFloorDB = -40
	}
}

// Controller settles segments one at a time. The synthesis backend is a
// single shared process, so segment processing is serialized by the session
// permit rather than by the controller itself.
type Controller struct {
	logger   *zap.Logger
	cfg      Config
	backend  synth.Backend
	oracle   Oracle
	ops      AudioOps
	detector vad.Detector
	cache    *synth.ResultCache
	workDir  string
}

func NewController(
	logger *zap.Logger,
	cfg Config,
	backend synth.Backend,
	oracle Oracle,
	ops AudioOps,
	detector vad.Detector,
	cache *synth.ResultCache,
	workDir string,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if cache == nil {
		cache = synth.NewResultCache()
	}
	if detector == nil {
		detector = vad.NewVolumeDetector(cfg.VolumeFloorDB, cfg.SpectralQualityFloor)
	}
	return &Controller{
		logger:   logger,
		cfg:      cfg,
		backend:  backend,
		oracle:   oracle,
		ops:      ops,
		detector: detector,
		cache:    cache,
		workDir:  workDir,
	}
}

// minPrecisionFor returns the duration-bucket-dependent acceptance floor:
// very short segments cannot hit tight relative precision, long ones must.
func minPrecisionFor(target float64) float64 {
	switch {
	case target < 1.0:
		return 0.50
	case target < 3.0:
		return 0.70
	case target < 10.0:
		return 0.85
	default:
		return 0.92
	}
}

func precision(actual, target float64) float64 {
	if target <= 0 {
		return 0
	}
	p := 1 - math.Abs(actual-target)/target
	if p < 0 {
		p = 0
	}
	return p
}

func (c *Controller) clampScale(s float64) float64 {
	if s < c.cfg.ScaleMin {
		return c.cfg.ScaleMin
	}
	if s > c.cfg.ScaleMax {
		return c.cfg.ScaleMax
	}
	return s
}

// ProcessSegment runs the attempt loop for one segment. globalScale is the
// calibration state's current length-scale, used as the starting estimate.
// The segment is always settled; errors are reserved for context
// cancellation and unusable working directories.
func (c *Controller) ProcessSegment(ctx context.Context, seg *timeline.Segment, globalScale float64) (Outcome, error) {
	target := seg.TargetDuration()
	if target <= 0 {
		return Outcome{}, fmt.Errorf("segment %d: non-positive target duration", seg.Index)
	}

	outcome := Outcome{State: StatePending}
	scale := c.clampScale(globalScale)
	simplified := false

	for attemptN := 1; attemptN <= c.cfg.MaxAttempts; attemptN++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		outcome.State = StateSynthesizing

		att, err := c.attempt(ctx, seg, scale, attemptN)
		if err != nil {
			// Transient backend failure: logged, retried within budget.
			c.logger.Warn("synthesis attempt failed",
				zap.Int("segment", seg.Index),
				zap.Int("attempt", attemptN),
				zap.Error(err))
			outcome.Attempts = append(outcome.Attempts, Attempt{ScaleUsed: scale})
			continue
		}
		outcome.Attempts = append(outcome.Attempts, att)

		if att.HasVoice {
			// Silence-complement beats distortion when the natural take
			// leaves a lot of slack.
			if pad, ok := c.wantsComplement(target, att.ResultDuration); ok {
				if err := c.settleComplement(ctx, seg, att, pad, &outcome); err == nil {
					return outcome, nil
				}
				c.logger.Warn("silence-complement failed, continuing attempts",
					zap.Int("segment", seg.Index))
			}
			if att.PrecisionPercent >= minPrecisionFor(target)*100 &&
				att.MeanVolumeDB > c.cfg.VolumeFloorDB &&
				att.SpectralQuality >= c.cfg.SpectralQualityFloor {
				if err := c.settleAccepted(ctx, seg, att, &outcome); err == nil {
					return outcome, nil
				}
			}
		}

		outcome.State = StateRetry

		// A take that cannot fit its slot even at maximum shrink gets one
		// text simplification pass before further retries.
		if !simplified && att.ResultDuration > target/c.cfg.ScaleMin {
			shorter := subtitle.Simplify(seg.SynthesisText)
			if shorter != "" && shorter != seg.SynthesisText {
				c.logger.Info("simplifying text that cannot fit its span",
					zap.Int("segment", seg.Index))
				seg.SynthesisText = shorter
			}
			simplified = true
		}

		scale = c.nextScale(scale, target, att, outcome.Attempts)
	}

	// Budget exhausted: any voiced attempt that can still fit its slot beats
	// fabricated silence. Overlong audio that no in-range stretch can fit
	// would wreck the timeline, so it does not qualify.
	if best, ok := bestVoiced(outcome.Attempts, target, c.cfg.ScaleMin); ok {
		if err := c.settleAccepted(ctx, seg, best, &outcome); err == nil {
			c.logger.Info("accepted best voiced attempt after exhausted budget",
				zap.Int("segment", seg.Index),
				zap.Float64("precision_pct", best.PrecisionPercent))
			return outcome, nil
		}
	}
	return outcome, c.settleFallbackSilence(ctx, seg, &outcome)
}

// attempt performs one synthesis call and measures the result.
func (c *Controller) attempt(ctx context.Context, seg *timeline.Segment, scale float64, n int) (Attempt, error) {
	target := seg.TargetDuration()
	rawPath := filepath.Join(c.workDir, fmt.Sprintf("seg_%04d_try%d.wav", seg.Index, n))

	if entry, ok := c.cache.Get(seg.SynthesisText, scale); ok {
		att := Attempt{
			ScaleUsed:        scale,
			ResultDuration:   entry.Duration,
			HasVoice:         entry.Voiced,
			PrecisionPercent: precision(entry.Duration, target) * 100,
			RawPath:          entry.Path,
		}
		if a, err := audio.AnalyzeWAVFile(entry.Path); err == nil {
			att.MeanVolumeDB = a.MeanVolumeDB
			att.SpectralQuality = a.SpectralQuality
		}
		return att, nil
	}

	session, err := c.backend.Acquire(ctx)
	if err != nil {
		return Attempt{}, err
	}
	err = session.Synthesize(ctx, synth.Request{
		Text:        seg.SynthesisText,
		Voice:       c.cfg.Voice,
		LangCode:    c.cfg.LangCode,
		LengthScale: scale,
		OutPath:     rawPath,
	})
	session.Release()
	if err != nil {
		return Attempt{}, err
	}

	dur := c.oracle.Duration(ctx, rawPath)
	att := Attempt{
		ScaleUsed:        scale,
		ResultDuration:   dur,
		PrecisionPercent: precision(dur, target) * 100,
		RawPath:          rawPath,
	}
	if a, err := audio.AnalyzeWAVFile(rawPath); err == nil {
		att.MeanVolumeDB = a.MeanVolumeDB
		att.SpectralQuality = a.SpectralQuality
	} else {
		att.MeanVolumeDB = -96
	}
	voiced, err := c.detector.HasVoice(ctx, rawPath)
	if err != nil {
		c.logger.Warn("voice detection failed, falling back to volume floor",
			zap.Int("segment", seg.Index), zap.Error(err))
		voiced = att.MeanVolumeDB > c.cfg.VolumeFloorDB
	}
	att.HasVoice = voiced

	c.cache.Put(seg.SynthesisText, scale, synth.CacheEntry{
		Path:     rawPath,
		Duration: dur,
		Voiced:   voiced,
	})
	return att, nil
}

// wantsComplement decides the natural-speed-plus-silence path: preferred when
// filling the slot would need unnaturally slow speech and the slack is large,
// or when the slack is very large regardless of scale.
func (c *Controller) wantsComplement(target, resultDur float64) (pad float64, ok bool) {
	slack := target - resultDur
	if slack <= 0 {
		return 0, false
	}
	requiredSpeed := resultDur / target
	if (requiredSpeed < c.cfg.SlowScaleCutoff && slack > c.cfg.ComplementSlackSec) ||
		slack > c.cfg.ForcedComplementSec {
		if slack < c.cfg.ComplementPadCapSec {
			return slack, true
		}
		return c.cfg.ComplementPadCapSec, true
	}
	return 0, false
}

func (c *Controller) settleComplement(ctx context.Context, seg *timeline.Segment, att Attempt, pad float64, outcome *Outcome) error {
	silencePath := filepath.Join(c.workDir, fmt.Sprintf("seg_%04d_pad.wav", seg.Index))
	if err := c.ops.GenerateSilence(silencePath, pad); err != nil {
		return err
	}
	finalPath := filepath.Join(c.workDir, fmt.Sprintf("seg_%04d_final.wav", seg.Index))
	if err := c.ops.Concat(ctx, []string{att.RawPath, silencePath}, finalPath); err != nil {
		return err
	}

	seg.AudioPath = finalPath
	seg.MeasuredDuration = c.oracle.Duration(ctx, finalPath)
	seg.AcceptedScale = 1.0
	seg.Voiced = true
	seg.SilenceFallback = false
	seg.Attempts = len(outcome.Attempts)
	outcome.State = StateAccepted
	outcome.ComplementPad = pad
	c.logger.Info("segment settled via silence-complement",
		zap.Int("segment", seg.Index),
		zap.Float64("pad_sec", pad),
		zap.Float64("measured", seg.MeasuredDuration))
	return nil
}

// settleAccepted applies a final corrective stretch when the measured
// duration is off target and the correction is inside the natural range, then
// records the result on the segment.
func (c *Controller) settleAccepted(ctx context.Context, seg *timeline.Segment, att Attempt, outcome *Outcome) error {
	target := seg.TargetDuration()
	finalPath := att.RawPath
	acceptedScale := att.ScaleUsed

	if att.ResultDuration > 0 {
		// Out-of-range corrections are clamped: the take then lands as close
		// to the slot as the natural bounds allow.
		correction, _ := media.ClampNatural(target / att.ResultDuration)
		if math.Abs(correction-1) > 0.02 {
			stretched := filepath.Join(c.workDir, fmt.Sprintf("seg_%04d_fit.wav", seg.Index))
			if err := c.ops.Stretch(ctx, att.RawPath, stretched, correction); err != nil {
				c.logger.Warn("corrective stretch failed, keeping raw take",
					zap.Int("segment", seg.Index), zap.Error(err))
			} else {
				finalPath = stretched
				acceptedScale = c.clampScale(att.ScaleUsed * correction)
			}
		}
	}

	seg.AudioPath = finalPath
	seg.MeasuredDuration = c.oracle.Duration(ctx, finalPath)
	seg.AcceptedScale = acceptedScale
	seg.Voiced = att.HasVoice
	seg.SilenceFallback = false
	seg.Attempts = len(outcome.Attempts)
	outcome.State = StateAccepted
	return nil
}

// settleFallbackSilence is the worst outcome: an exact-duration silence in
// place of speech. Logged loudly, never fatal.
func (c *Controller) settleFallbackSilence(ctx context.Context, seg *timeline.Segment, outcome *Outcome) error {
	target := seg.TargetDuration()
	path := filepath.Join(c.workDir, fmt.Sprintf("seg_%04d_silence.wav", seg.Index))
	if err := c.ops.GenerateSilence(path, target); err != nil {
		return fmt.Errorf("segment %d: silence fallback: %w", seg.Index, err)
	}
	seg.AudioPath = path
	seg.MeasuredDuration = target
	seg.AcceptedScale = 1.0
	seg.Voiced = false
	seg.SilenceFallback = true
	seg.Attempts = len(outcome.Attempts)
	outcome.State = StateFallbackSilence
	c.logger.Warn("segment fell back to silence",
		zap.Int("segment", seg.Index),
		zap.Float64("start", seg.Start),
		zap.Float64("end", seg.End),
		zap.Int("attempts", len(outcome.Attempts)))
	return nil
}

// nextScale applies a damped proportional correction, shrinking with attempt
// count and smoothed against the history average to avoid oscillation.
func (c *Controller) nextScale(current, target float64, att Attempt, history []Attempt) float64 {
	if att.ResultDuration <= 0 {
		return current
	}
	adaptive := c.cfg.AdaptiveDampingBase / float64(len(history))
	next := current * (1 + (target/att.ResultDuration-1)*adaptive)
	if len(history) > 1 {
		var sum float64
		for _, h := range history {
			sum += h.ScaleUsed
		}
		next = (next + sum/float64(len(history))) / 2
	}
	return c.clampScale(next)
}

// bestVoiced picks the voiced attempt with the highest precision among those
// whose duration can still be brought within ~5% of the slot by an in-range
// shrink.
func bestVoiced(attempts []Attempt, target, scaleMin float64) (Attempt, bool) {
	const overrunTolerance = 1.05
	var best Attempt
	found := false
	for _, a := range attempts {
		if !a.HasVoice {
			continue
		}
		if a.ResultDuration*scaleMin > target*overrunTolerance {
			continue
		}
		if !found || a.PrecisionPercent > best.PrecisionPercent {
			best = a
			found = true
		}
	}
	return best, found
}
