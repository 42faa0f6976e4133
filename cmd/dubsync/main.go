package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/calibrate"
	"github.com/mvallone/dubsync/internal/config"
	"github.com/mvallone/dubsync/internal/dub"
	"github.com/mvallone/dubsync/internal/httpapi"
	"github.com/mvallone/dubsync/internal/media"
	"github.com/mvallone/dubsync/internal/observability"
	"github.com/mvallone/dubsync/internal/pipeline"
	"github.com/mvallone/dubsync/internal/synth"
	"github.com/mvallone/dubsync/internal/transcribe"
	"github.com/mvallone/dubsync/internal/translate"
	"github.com/mvallone/dubsync/internal/vad"
)

func main() {
	_ = godotenv.Load()

	var (
		subsPath = flag.String("subs", "", "SRT subtitles for the video (single-video runs); transcribed when empty")
		lang     = flag.String("lang", "", "target dub language (overrides DUBSYNC_TARGET_LANGUAGE)")
		serve    = flag.Bool("serve", false, "keep the HTTP API running after all jobs finish")
	)
	flag.Parse()
	videos := flag.Args()
	if len(videos) == 0 {
		log.Fatalf("usage: dubsync [flags] video...")
	}
	if *subsPath != "" && len(videos) > 1 {
		log.Fatalf("-subs only applies to single-video runs")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *lang != "" {
		cfg.TargetLanguage = *lang
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("work dir: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewStageWindow(256)

	runner := media.NewRunner(logger, cfg.FFmpegPath, cfg.FilterTimeout, cfg.SampleRate)
	prober := media.NewProber(logger, cfg.MinProbeBytes, cfg.FallbackDuration, cfg.ProbeTimeout)

	backend, err := synth.StartWorkerBackend(logger, synth.WorkerConfig{
		Python:       cfg.SynthPython,
		WorkerScript: cfg.SynthWorkerScript,
		DefaultVoice: cfg.SynthVoice,
		LangCode:     cfg.SynthLangCode,
		SampleRate:   cfg.SampleRate,
		WarmupWait:   cfg.SynthWarmupWait,
		CallTimeout:  cfg.SynthCallTimeout,
	})
	if err != nil {
		log.Fatalf("synthesis worker init failed: %v", err)
	}
	defer backend.Close()

	var transcriber transcribe.Backend
	if w, err := transcribe.NewWhisperCPP(cfg.WhisperCLI, cfg.WhisperModelPath, cfg.WhisperLanguage, cfg.WhisperThreads, logger); err != nil {
		log.Printf("transcription unavailable, jobs must carry subtitles: %v", err)
	} else {
		transcriber = w
	}

	var translator translate.Translator
	if cfg.TranslateAPIKey != "" {
		t, err := translate.NewOpenAI(cfg.TranslateAPIKey, cfg.TranslateModel, cfg.TranslateTimeout, logger)
		if err != nil {
			log.Fatalf("translator init failed: %v", err)
		}
		translator = t
		log.Printf("translator: openai %s", cfg.TranslateModel)
	} else {
		log.Printf("translator: none (OPENAI_API_KEY not set), dubbing source text")
	}

	var detector vad.Detector
	if cfg.VADModelPath != "" {
		d, err := vad.NewSileroDetector(cfg.VADModelPath, cfg.VADThreshold)
		if err != nil {
			log.Printf("silero VAD unavailable, using volume heuristic: %v", err)
		} else {
			detector = d
			defer d.Close()
			log.Printf("voice detector: silero (%s)", cfg.VADModelPath)
		}
	}

	var store calibrate.Store
	if cfg.DatabaseURL != "" {
		pg, err := calibrate.NewPostgresStore(context.Background(), cfg.DatabaseURL, cfg.SynthVoice)
		if err != nil {
			log.Fatalf("calibration store init failed: %v", err)
		}
		defer pg.Close()
		store = pg
		log.Printf("calibration store: postgres")
	} else {
		store = calibrate.NewFileStore(strings.TrimSpace(cfg.CalibrationCacheFile))
		log.Printf("calibration store: %s", cfg.CalibrationCacheFile)
	}

	registry := httpapi.NewRegistry()
	broadcaster := httpapi.NewBroadcaster()

	p := pipeline.New(pipeline.Options{
		WorkDir:            cfg.WorkDir,
		MaxConcurrent:      cfg.MaxConcurrentVideos,
		StageTimeout:       cfg.StageTimeout,
		VideoTimeout:       cfg.VideoTimeout,
		TranslateSkippable: cfg.TranslateSkippable,
		Synthesis: dub.Config{
			MaxAttempts:          cfg.MaxSynthAttempts,
			ScaleMin:             cfg.ScaleMin,
			ScaleMax:             cfg.ScaleMax,
			SlowScaleCutoff:      cfg.SlowScaleCutoff,
			ComplementSlackSec:   cfg.ComplementSlackSec,
			ForcedComplementSec:  cfg.ForcedComplementSec,
			ComplementPadCapSec:  cfg.ComplementPadCapSec,
			AdaptiveDampingBase:  cfg.AdaptiveDampingBase,
			VolumeFloorDB:        cfg.VolumeFloorDB,
			SpectralQualityFloor: cfg.SpectralQualityFloor,
			Voice:                cfg.SynthVoice,
			LangCode:             cfg.SynthLangCode,
		},
		Calibration: calibrate.Config{
			Iterations:           cfg.CalibrationIterations,
			PrecisionTarget:      cfg.PrecisionTarget,
			VoicedFractionTarget: cfg.VoicedFractionTarget,
			VolumeFloorDB:        cfg.VolumeFloorDB,
		},
	}, pipeline.Deps{
		Logger:      logger,
		Metrics:     metrics,
		Window:      window,
		Oracle:      prober,
		Ops:         runner,
		Transcriber: transcriber,
		Translator:  translator,
		Backend:     backend,
		Detector:    detector,
		Store:       store,
		Events:      broadcaster,
	})

	jobs := make([]*pipeline.Job, 0, len(videos))
	for _, video := range videos {
		job := pipeline.NewJob(video, *subsPath, cfg.TargetLanguage)
		registry.Add(job)
		jobs = append(jobs, job)
	}

	api := httpapi.New(registry, broadcaster, window, cfg.AllowAnyOrigin)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}
	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		runCancel()
	}()

	runErr := p.Run(runCtx, jobs)
	for _, job := range jobs {
		if report := job.Report(); report != nil {
			fmt.Print(report.String())
		}
	}
	if runErr != nil {
		log.Printf("run finished with errors: %v", runErr)
	}

	if *serve && runCtx.Err() == nil {
		log.Printf("all jobs finished, serving until interrupted")
		<-runCtx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	if runErr != nil {
		os.Exit(1)
	}
}
