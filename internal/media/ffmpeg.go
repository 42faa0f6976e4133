// Package media wraps the ffmpeg tool family: duration probing, volume
// analysis, time-stretch filtering, silence generation, and lossless
// concatenation. All subprocess calls carry explicit timeouts; a timeout is a
// retryable failure, never a silent success.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/audio"
)

// Runner executes ffmpeg operations against files in a working directory.
type Runner struct {
	logger        *zap.Logger
	ffmpegPath    string
	filterTimeout time.Duration
	sampleRate    int
}

func NewRunner(logger *zap.Logger, ffmpegPath string, filterTimeout time.Duration, sampleRate int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if filterTimeout <= 0 {
		filterTimeout = 45 * time.Second
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Runner{
		logger:        logger,
		ffmpegPath:    ffmpegPath,
		filterTimeout: filterTimeout,
		sampleRate:    sampleRate,
	}
}

// SampleRate returns the working sample rate all produced files share.
func (r *Runner) SampleRate() int {
	return r.sampleRate
}

func (r *Runner) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, r.filterTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	err := cmd.Run()
	if err != nil {
		tail := stderr.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s: %w", r.filterTimeout, ctx.Err())
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", args[len(args)-1], err, strings.TrimSpace(tail))
	}
	r.logger.Debug("ffmpeg run",
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// ExtractAudio pulls the audio track out of a video as mono WAV at the
// working sample rate.
func (r *Runner) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	return r.run(ctx, "-y", "-i", videoPath,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(r.sampleRate),
		"-f", "wav", outPath)
}

// Stretch changes the playback duration of inPath by factor (duration
// multiplier, pitch preserved) writing the result to outPath. The factor is
// decomposed into filter-supported steps; callers enforce natural-range
// policy before getting here.
func (r *Runner) Stretch(ctx context.Context, inPath, outPath string, factor float64) error {
	steps, err := PlanStretch(factor)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		// atempo takes a speed ratio; duration scales by its inverse.
		parts = append(parts, fmt.Sprintf("atempo=%.6f", 1/step))
	}
	return r.run(ctx, "-y", "-i", inPath,
		"-filter:a", strings.Join(parts, ","),
		"-ar", strconv.Itoa(r.sampleRate), outPath)
}

// GenerateSilence writes a silence WAV of exactly the requested duration,
// sample-accurate at the working rate. Generation is done in-process rather
// than through ffmpeg anullsrc so the sample count is exact by construction.
func (r *Runner) GenerateSilence(path string, seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	return audio.WriteSilenceWAVFile(path, seconds, r.sampleRate)
}

// Concat joins the ordered file list losslessly (stream copy, no
// re-encoding) into outPath using the concat demuxer.
func (r *Runner) Concat(ctx context.Context, files []string, outPath string) error {
	if len(files) == 0 {
		return fmt.Errorf("concat: empty file list")
	}
	listPath := outPath + ".list"
	var sb strings.Builder
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("concat: resolve %q: %w", f, err)
		}
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("concat: write list: %w", err)
	}
	defer os.Remove(listPath)

	return r.run(ctx, "-y", "-f", "concat", "-safe", "0",
		"-i", listPath, "-c", "copy", outPath)
}

// TrimToDuration rewrites inPath to exactly the requested duration, padding
// with silence or truncating as needed. Used by the final sample-accurate
// correction pass.
func (r *Runner) TrimToDuration(ctx context.Context, inPath, outPath string, seconds float64) error {
	samples := int64(seconds*float64(r.sampleRate) + 0.5)
	filter := fmt.Sprintf("apad,atrim=end_sample=%d", samples)
	return r.run(ctx, "-y", "-i", inPath,
		"-filter:a", filter,
		"-ar", strconv.Itoa(r.sampleRate), outPath)
}

// Boost applies a volume gain in dB. The calibration loop raises the boost
// level when the assembled track measures too quiet.
func (r *Runner) Boost(ctx context.Context, inPath, outPath string, gainDB float64) error {
	return r.run(ctx, "-y", "-i", inPath,
		"-filter:a", fmt.Sprintf("volume=%.2fdB", gainDB),
		"-ar", strconv.Itoa(r.sampleRate), outPath)
}

var meanVolumeRe = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)

// MeanVolume measures the mean loudness of a file in dB via the volumedetect
// filter. Returns a very low value on failure so callers treat unmeasurable
// audio as silent.
func (r *Runner) MeanVolume(ctx context.Context, path string) float64 {
	ctx, cancel := context.WithTimeout(ctx, r.filterTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-i", path, "-filter:a", "volumedetect", "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		r.logger.Warn("volumedetect failed, treating as silent",
			zap.String("path", path), zap.Error(err))
		return -96.0
	}
	m := meanVolumeRe.FindStringSubmatch(stderr.String())
	if m == nil {
		r.logger.Warn("volumedetect output missing mean_volume",
			zap.String("path", path))
		return -96.0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return -96.0
	}
	return v
}
