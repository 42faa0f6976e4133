package media

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

type probeData struct {
	Format probeFormat `json:"format"`
}

type probeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// Prober measures audio file durations. It never fails hard: the sync loop
// always needs a number to correct against, so unmeasurable files yield the
// configured fallback duration and a logged anomaly instead of an error.
type Prober struct {
	logger           *zap.Logger
	minBytes         int64
	fallbackDuration float64
	probeTimeout     time.Duration
}

func NewProber(logger *zap.Logger, minBytes int64, fallbackDuration float64, probeTimeout time.Duration) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minBytes <= 0 {
		minBytes = 128
	}
	if fallbackDuration <= 0 {
		fallbackDuration = 1.0
	}
	if probeTimeout <= 0 {
		probeTimeout = 20 * time.Second
	}
	return &Prober{
		logger:           logger,
		minBytes:         minBytes,
		fallbackDuration: fallbackDuration,
		probeTimeout:     probeTimeout,
	}
}

// timeoutFor is the subprocess deadline for one probe: the configured
// timeout, shortened when ctx expires sooner.
func (p *Prober) timeoutFor(ctx context.Context) time.Duration {
	timeout := p.probeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// Duration returns the measured duration of path in seconds, or the fallback
// value when the file is missing, suspiciously small, or unprobeable.
func (p *Prober) Duration(ctx context.Context, path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		p.logger.Warn("probe target missing, using fallback duration",
			zap.String("path", path), zap.Error(err))
		return p.fallbackDuration
	}
	if info.Size() < p.minBytes {
		p.logger.Warn("probe target below minimum size, using fallback duration",
			zap.String("path", path), zap.Int64("bytes", info.Size()))
		return p.fallbackDuration
	}
	if err := ctx.Err(); err != nil {
		p.logger.Warn("probe cancelled, using fallback duration",
			zap.String("path", path), zap.Error(err))
		return p.fallbackDuration
	}

	timeout := p.timeoutFor(ctx)
	if timeout <= 0 {
		p.logger.Warn("no time left to probe, using fallback duration",
			zap.String("path", path))
		return p.fallbackDuration
	}
	raw, err := ffmpeg.ProbeWithTimeout(path, timeout, nil)
	if err != nil {
		p.logger.Warn("ffprobe failed, using fallback duration",
			zap.String("path", path), zap.Error(err))
		return p.fallbackDuration
	}
	var data probeData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		p.logger.Warn("malformed ffprobe output, using fallback duration",
			zap.String("path", path), zap.Error(err))
		return p.fallbackDuration
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(data.Format.Duration), 64)
	if err != nil || d <= 0 {
		p.logger.Warn("ffprobe reported no usable duration, using fallback",
			zap.String("path", path), zap.String("duration", data.Format.Duration))
		return p.fallbackDuration
	}
	return d
}
