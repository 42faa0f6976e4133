// Package pipeline runs whole videos through the dubbing stages: audio
// extraction, transcription, translation, calibrated synthesis, and final
// assembly. Videos run concurrently up to a bound; inside one video the
// stages are strictly sequential.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/calibrate"
	"github.com/mvallone/dubsync/internal/dub"
	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/reliability"
	"github.com/mvallone/dubsync/internal/subtitle"
	"github.com/mvallone/dubsync/internal/synth"
	"github.com/mvallone/dubsync/internal/timeline"
	"github.com/mvallone/dubsync/internal/transcribe"
	"github.com/mvallone/dubsync/internal/translate"
	"github.com/mvallone/dubsync/internal/vad"
)

type Options struct {
	WorkDir            string
	MaxConcurrent      int
	StageTimeout       time.Duration
	VideoTimeout       time.Duration
	TranslateSkippable bool
	Synthesis          dub.Config
	Calibration        calibrate.Config
}

// Separator splits a mixed track into a speech stem and background. Wired
// in front of transcription when available; the dub itself always replaces
// the full track.
type Separator interface {
	Separate(ctx context.Context, audioPath, speechOut string) error
}

// Deps are the pipeline's collaborators. Transcriber, Translator and
// Separator may be nil when jobs carry their own subtitles, need no
// translation, or work from the mixed track.
type Deps struct {
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Window      *observability.StageWindow
	Oracle      dub.Oracle
	Ops         MediaOps
	Transcriber transcribe.Backend
	Translator  translate.Translator
	Separator   Separator
	Backend     synth.Backend
	Detector    vad.Detector
	Store       calibrate.Store
	Events      EventSink
}

type Pipeline struct {
	opts Options
	deps Deps
}

func New(opts Options, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Store == nil {
		deps.Store = calibrate.NewFileStore(filepath.Join(opts.WorkDir, "calibration.yaml"))
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 20 * time.Minute
	}
	if opts.VideoTimeout <= 0 {
		opts.VideoTimeout = 2 * time.Hour
	}
	return &Pipeline{opts: opts, deps: deps}
}

// Run processes all jobs, at most MaxConcurrent at a time, and returns the
// combined error of the failed ones. A failed job never stops the others;
// its partial artifacts stay on disk for inspection.
func (p *Pipeline) Run(ctx context.Context, jobs []*Job) error {
	sem := make(chan struct{}, p.opts.MaxConcurrent)
	var wg sync.WaitGroup
	errs := make([]error, len(jobs))

	for i, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			job.setFailed(ctx.Err())
			continue
		}
		wg.Add(1)
		go func(i int, job *Job) {
			defer wg.Done()
			defer func() { <-sem }()

			if p.deps.Metrics != nil {
				p.deps.Metrics.ActiveJobs.Inc()
				defer p.deps.Metrics.ActiveJobs.Dec()
			}
			jobCtx, cancel := context.WithTimeout(ctx, p.opts.VideoTimeout)
			defer cancel()

			job.setRunning()
			report, err := p.process(jobCtx, job)
			if err != nil {
				job.setFailed(err)
				errs[i] = fmt.Errorf("job %s (%s): %w", job.ID, job.VideoPath, err)
				p.publish(job, "failed", err.Error())
				return
			}
			job.setDone(report)
			p.publish(job, "done", report.String())
		}(i, job)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Pipeline) process(ctx context.Context, job *Job) (*Report, error) {
	start := time.Now()
	logger := p.deps.Logger.With(zap.String("job_id", job.ID), zap.String("video", filepath.Base(job.VideoPath)))

	jobDir := filepath.Join(p.opts.WorkDir, "job_"+job.ID[:8])
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	audioPath := filepath.Join(jobDir, "source.wav")
	err := p.stage(ctx, job, "extract", func(ctx context.Context) error {
		return p.deps.Ops.ExtractAudio(ctx, job.VideoPath, audioPath)
	})
	if err != nil {
		return nil, err
	}

	total := p.deps.Oracle.Duration(ctx, job.VideoPath)

	speechPath := audioPath
	if p.deps.Separator != nil {
		speechPath = filepath.Join(jobDir, "speech.wav")
		err = p.stage(ctx, job, "separate", func(ctx context.Context) error {
			return p.deps.Separator.Separate(ctx, audioPath, speechPath)
		})
		if err != nil {
			return nil, err
		}
	}

	var cues []subtitle.Cue
	err = p.stage(ctx, job, "transcribe", func(ctx context.Context) error {
		var err error
		cues, err = p.loadCues(ctx, job, speechPath)
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.deps.Translator != nil && job.TargetLang != "" {
		err = p.stage(ctx, job, "translate", func(ctx context.Context) error {
			translated, err := p.deps.Translator.Translate(ctx, cues, job.TargetLang)
			if err != nil {
				if p.opts.TranslateSkippable {
					logger.Warn("translation failed, dubbing source text", zap.Error(err))
					return nil
				}
				return err
			}
			cues = translated
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	tl, err := timeline.Build(cues, total, logger)
	if err != nil {
		return nil, err
	}

	pass := &segmentPass{
		logger:   logger,
		cfg:      p.opts.Synthesis,
		backend:  p.deps.Backend,
		oracle:   p.deps.Oracle,
		ops:      p.deps.Ops,
		detector: p.deps.Detector,
		cache:    synth.NewResultCache(),
		metrics:  p.deps.Metrics,
		window:   p.deps.Window,
	}
	loop := calibrate.NewLoop(p.opts.Calibration, pass, p.deps.Store, logger)

	var res calibrate.Result
	err = p.stage(ctx, job, "synchronize", func(ctx context.Context) error {
		var err error
		res, err = loop.Run(ctx, tl, jobDir)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.CalibrationIterations.Observe(float64(res.Iterations))
	}

	outPath := filepath.Join(jobDir, "dubbed.wav")
	err = p.stage(ctx, job, "finalize", func(ctx context.Context) error {
		if res.State.DynamicBoostDB > 0 {
			return p.deps.Ops.Boost(ctx, res.Best.OutputPath, outPath, res.State.DynamicBoostDB)
		}
		return os.Rename(res.Best.OutputPath, outPath)
	})
	if err != nil {
		return nil, err
	}

	actual := p.deps.Oracle.Duration(ctx, outPath)
	report := &Report{
		JobID:            job.ID,
		VideoPath:        job.VideoPath,
		OutputPath:       outPath,
		TargetDuration:   total,
		ActualDuration:   actual,
		PrecisionPercent: res.Best.Precision() * 100,
		VoicedFraction:   res.Best.VoicedFraction,
		SegmentCount:     len(tl.Segments),
		FallbackCount:    res.Best.FallbackCount,
		Iterations:       res.Iterations,
		LengthScale:      res.State.GlobalLengthScale,
		BoostDB:          res.State.DynamicBoostDB,
		Elapsed:          time.Since(start),
	}
	logger.Info("job complete",
		zap.Float64("precision_pct", report.PrecisionPercent),
		zap.Float64("voiced_fraction", report.VoicedFraction),
		zap.Int("fallbacks", report.FallbackCount),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (p *Pipeline) loadCues(ctx context.Context, job *Job, audioPath string) ([]subtitle.Cue, error) {
	if job.SubtitlePath != "" {
		f, err := os.Open(job.SubtitlePath)
		if err != nil {
			return nil, fmt.Errorf("open subtitles: %w", err)
		}
		defer f.Close()
		return subtitle.ParseSRT(f)
	}
	if p.deps.Transcriber == nil {
		return nil, fmt.Errorf("job %s: no subtitles and no transcriber configured", job.ID)
	}
	return p.deps.Transcriber.Transcribe(ctx, audioPath)
}

// stage runs fn under the stage timeout and records its wall time.
// Subprocess-backed stages get a short retry budget for transient failures.
func (p *Pipeline) stage(ctx context.Context, job *Job, name string, fn func(context.Context) error) error {
	p.publish(job, name, "started")
	ctx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	defer cancel()

	retries := 0
	if name == "extract" || name == "transcribe" {
		retries = 2
	}

	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= retries || !reliability.Classify(err).Retryable() {
			break
		}
		p.deps.Logger.Warn("stage attempt failed, retrying",
			zap.String("stage", name), zap.Int("attempt", attempt+1), zap.Error(err))
		p.deps.Window.ObserveIndicator("stage_retry")
		select {
		case <-time.After(reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)):
		case <-ctx.Done():
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	elapsed := time.Since(start)

	if p.deps.Window != nil {
		p.deps.Window.Observe(name, elapsed)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveStage(name, elapsed)
	}
	if err != nil {
		if p.deps.Metrics != nil {
			p.deps.Metrics.SubprocessErrors.WithLabelValues(name, string(reliability.Classify(err))).Inc()
		}
		return fmt.Errorf("stage %s: %w", name, err)
	}
	p.publish(job, name, "completed")
	return nil
}

func (p *Pipeline) publish(job *Job, stage, message string) {
	p.deps.Events.Publish(Event{
		JobID:   job.ID,
		Stage:   stage,
		Message: message,
		Time:    time.Now().UTC(),
	})
}
