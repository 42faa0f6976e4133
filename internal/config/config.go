package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the dubbing service.
//
// The numeric synchronization knobs (scale bounds, damping, acceptance
// thresholds) are empirically tuned; overriding them changes output quality,
// so the defaults here should be treated as the calibrated baseline.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	WorkDir          string

	FFmpegPath    string
	ProbeTimeout  time.Duration
	FilterTimeout time.Duration
	SampleRate    int
	MinProbeBytes int64
	// FallbackDuration is returned by the duration prober when a file cannot
	// be measured. Measurement must never be fatal; the sync loop only needs
	// a number to correct against.
	FallbackDuration float64

	WhisperCLI       string
	WhisperModelPath string
	WhisperLanguage  string
	WhisperThreads   int

	SynthPython       string
	SynthWorkerScript string
	SynthVoice        string
	SynthLangCode     string
	SynthWarmupWait   time.Duration
	SynthCallTimeout  time.Duration

	TranslateAPIKey    string
	TranslateModel     string
	TargetLanguage     string
	TranslateTimeout   time.Duration
	TranslateSkippable bool

	VADModelPath string
	VADThreshold float64
	// VolumeFloorDB is the mean-volume floor below which synthesized audio is
	// considered silent/unvoiced.
	VolumeFloorDB float64

	MaxSynthAttempts int
	ScaleMin         float64
	ScaleMax         float64
	// SlowScaleCutoff marks the point where slowing speech down starts to
	// sound unnatural; below it the silence-complement path is preferred.
	SlowScaleCutoff      float64
	ComplementSlackSec   float64
	ForcedComplementSec  float64
	ComplementPadCapSec  float64
	AdaptiveDampingBase  float64
	SpectralQualityFloor float64

	CalibrationIterations int
	PrecisionTarget       float64
	VoicedFractionTarget  float64
	CalibrationCacheFile  string
	DatabaseURL           string

	MaxConcurrentVideos int
	StageTimeout        time.Duration
	VideoTimeout        time.Duration

	// AllowAnyOrigin disables the same-origin check on the websocket feed.
	// Only for deployments already behind an authenticated proxy.
	AllowAnyOrigin bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("DUBSYNC_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("DUBSYNC_METRICS_NAMESPACE", "dubsync"),
		ShutdownTimeout:  15 * time.Second,
		WorkDir:          envOrDefault("DUBSYNC_WORK_DIR", ".dubsync"),

		FFmpegPath:       envOrDefault("DUBSYNC_FFMPEG", "ffmpeg"),
		ProbeTimeout:     20 * time.Second,
		FilterTimeout:    45 * time.Second,
		SampleRate:       24000,
		MinProbeBytes:    128,
		FallbackDuration: 1.0,

		WhisperCLI:       envOrDefault("DUBSYNC_WHISPER_CLI", "whisper-cli"),
		WhisperModelPath: envOrDefault("DUBSYNC_WHISPER_MODEL", ".models/whisper/ggml-base.bin"),
		WhisperLanguage:  envOrDefault("DUBSYNC_WHISPER_LANGUAGE", "auto"),
		WhisperThreads:   0,

		SynthPython:       envOrDefault("DUBSYNC_SYNTH_PYTHON", "python3"),
		SynthWorkerScript: envOrDefault("DUBSYNC_SYNTH_WORKER", "scripts/tts_worker.py"),
		SynthVoice:        envOrDefault("DUBSYNC_SYNTH_VOICE", "af_heart"),
		SynthLangCode:     envOrDefault("DUBSYNC_SYNTH_LANG", "a"),
		SynthWarmupWait:   25 * time.Second,
		SynthCallTimeout:  60 * time.Second,

		TranslateAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		TranslateModel:     envOrDefault("DUBSYNC_TRANSLATE_MODEL", "gpt-4o-mini"),
		TargetLanguage:     envOrDefault("DUBSYNC_TARGET_LANGUAGE", "en"),
		TranslateTimeout:   30 * time.Second,
		TranslateSkippable: true,

		VADModelPath:  strings.TrimSpace(os.Getenv("DUBSYNC_VAD_MODEL")),
		VADThreshold:  0.5,
		VolumeFloorDB: -40.0,

		MaxSynthAttempts:     3,
		ScaleMin:             0.75,
		ScaleMax:             1.35,
		SlowScaleCutoff:      0.9,
		ComplementSlackSec:   2.0,
		ForcedComplementSec:  5.0,
		ComplementPadCapSec:  1.0,
		AdaptiveDampingBase:  0.7,
		SpectralQualityFloor: 0.3,

		CalibrationIterations: 5,
		PrecisionTarget:       0.99,
		VoicedFractionTarget:  0.85,
		CalibrationCacheFile:  envOrDefault("DUBSYNC_CALIBRATION_CACHE", "calibration.yaml"),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),

		MaxConcurrentVideos: runtime.NumCPU() / 2,
		StageTimeout:        20 * time.Minute,
		VideoTimeout:        2 * time.Hour,
	}
	if cfg.MaxConcurrentVideos < 1 {
		cfg.MaxConcurrentVideos = 1
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("DUBSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProbeTimeout, err = durationFromEnv("DUBSYNC_PROBE_TIMEOUT", cfg.ProbeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FilterTimeout, err = durationFromEnv("DUBSYNC_FILTER_TIMEOUT", cfg.FilterTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StageTimeout, err = durationFromEnv("DUBSYNC_STAGE_TIMEOUT", cfg.StageTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoTimeout, err = durationFromEnv("DUBSYNC_VIDEO_TIMEOUT", cfg.VideoTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("DUBSYNC_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperThreads, err = intFromEnv("DUBSYNC_WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSynthAttempts, err = intFromEnv("DUBSYNC_MAX_SYNTH_ATTEMPTS", cfg.MaxSynthAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.CalibrationIterations, err = intFromEnv("DUBSYNC_CALIBRATION_ITERATIONS", cfg.CalibrationIterations)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentVideos, err = intFromEnv("DUBSYNC_MAX_CONCURRENT_VIDEOS", cfg.MaxConcurrentVideos)
	if err != nil {
		return Config{}, err
	}
	cfg.ScaleMin, err = floatFromEnv("DUBSYNC_SCALE_MIN", cfg.ScaleMin)
	if err != nil {
		return Config{}, err
	}
	cfg.ScaleMax, err = floatFromEnv("DUBSYNC_SCALE_MAX", cfg.ScaleMax)
	if err != nil {
		return Config{}, err
	}
	cfg.PrecisionTarget, err = floatFromEnv("DUBSYNC_PRECISION_TARGET", cfg.PrecisionTarget)
	if err != nil {
		return Config{}, err
	}
	cfg.VoicedFractionTarget, err = floatFromEnv("DUBSYNC_VOICED_FRACTION_TARGET", cfg.VoicedFractionTarget)
	if err != nil {
		return Config{}, err
	}
	cfg.VolumeFloorDB, err = floatFromEnv("DUBSYNC_VOLUME_FLOOR_DB", cfg.VolumeFloorDB)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslateSkippable, err = boolFromEnv("DUBSYNC_TRANSLATE_SKIPPABLE", cfg.TranslateSkippable)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("DUBSYNC_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("DUBSYNC_SAMPLE_RATE must be positive")
	}
	if cfg.MaxSynthAttempts <= 0 {
		return Config{}, fmt.Errorf("DUBSYNC_MAX_SYNTH_ATTEMPTS must be positive")
	}
	if cfg.CalibrationIterations <= 0 {
		return Config{}, fmt.Errorf("DUBSYNC_CALIBRATION_ITERATIONS must be positive")
	}
	if cfg.MaxConcurrentVideos <= 0 {
		return Config{}, fmt.Errorf("DUBSYNC_MAX_CONCURRENT_VIDEOS must be positive")
	}
	if cfg.ScaleMin <= 0 || cfg.ScaleMax <= cfg.ScaleMin {
		return Config{}, fmt.Errorf("scale bounds must satisfy 0 < min < max")
	}
	if cfg.PrecisionTarget <= 0 || cfg.PrecisionTarget > 1 {
		return Config{}, fmt.Errorf("DUBSYNC_PRECISION_TARGET must be in (0, 1]")
	}
	if cfg.VoicedFractionTarget < 0 || cfg.VoicedFractionTarget > 1 {
		return Config{}, fmt.Errorf("DUBSYNC_VOICED_FRACTION_TARGET must be in [0, 1]")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("DUBSYNC_WHISPER_THREADS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
