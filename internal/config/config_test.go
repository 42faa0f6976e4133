package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.ScaleMin != 0.75 || cfg.ScaleMax != 1.35 {
		t.Errorf("scale bounds = [%v, %v], want [0.75, 1.35]", cfg.ScaleMin, cfg.ScaleMax)
	}
	if cfg.MaxSynthAttempts != 3 {
		t.Errorf("MaxSynthAttempts = %d, want 3", cfg.MaxSynthAttempts)
	}
	if cfg.FallbackDuration != 1.0 {
		t.Errorf("FallbackDuration = %v, want 1.0", cfg.FallbackDuration)
	}
	if cfg.MaxConcurrentVideos < 1 {
		t.Errorf("MaxConcurrentVideos = %d, want >= 1", cfg.MaxConcurrentVideos)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DUBSYNC_SAMPLE_RATE", "48000")
	t.Setenv("DUBSYNC_PROBE_TIMEOUT", "5s")
	t.Setenv("DUBSYNC_CALIBRATION_ITERATIONS", "8")
	t.Setenv("DUBSYNC_TRANSLATE_SKIPPABLE", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.SampleRate)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %v, want 5s", cfg.ProbeTimeout)
	}
	if cfg.CalibrationIterations != 8 {
		t.Errorf("CalibrationIterations = %d, want 8", cfg.CalibrationIterations)
	}
	if cfg.TranslateSkippable {
		t.Error("TranslateSkippable = true, want false")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"DUBSYNC_SAMPLE_RATE":            "-1",
		"DUBSYNC_MAX_SYNTH_ATTEMPTS":     "0",
		"DUBSYNC_PRECISION_TARGET":       "1.5",
		"DUBSYNC_VOICED_FRACTION_TARGET": "-0.1",
		"DUBSYNC_WHISPER_THREADS":        "-2",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", key, value)
			}
		})
	}
}
