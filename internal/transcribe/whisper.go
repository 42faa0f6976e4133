package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/subtitle"
)

// WhisperCPP runs the whisper.cpp CLI on a WAV file and parses the SRT it
// writes. One invocation per file; whisper.cpp handles its own threading.
type WhisperCPP struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	logger    *zap.Logger
}

func NewWhisperCPP(cli, modelPath, language string, threads int, logger *zap.Logger) (*WhisperCPP, error) {
	cli = strings.TrimSpace(cli)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper model not found: %s", modelPath)
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = "auto"
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
		if threads > 8 {
			threads = 8
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WhisperCPP{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		logger:    logger,
	}, nil
}

func (w *WhisperCPP) Transcribe(ctx context.Context, audioPath string) ([]subtitle.Cue, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("transcribe input: %w", err)
	}
	tmpDir, err := os.MkdirTemp("", "dubsync-whisper-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)
	outPrefix := filepath.Join(tmpDir, "out")

	// whisper.cpp CLI flag set varies slightly across builds; keep this conservative.
	args := []string{
		"-m", w.modelPath,
		"-f", audioPath,
		"-l", w.language,
		"-osrt",
		"-of", outPrefix,
		"-t", strconv.Itoa(w.threads),
	}

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper.cpp timed out on %s; use a smaller model", filepath.Base(audioPath))
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	srtPath := outPrefix + ".srt"
	raw, err := os.ReadFile(srtPath)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp produced no SRT: %w", err)
	}
	cues, err := subtitle.ParseSRT(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse whisper SRT: %w", err)
	}
	w.logger.Info("transcription complete",
		zap.String("audio", filepath.Base(audioPath)),
		zap.Int("cues", len(cues)))
	return cues, nil
}
