package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WorkerConfig configures the long-lived synthesis worker subprocess.
type WorkerConfig struct {
	Python       string
	WorkerScript string
	DefaultVoice string
	LangCode     string
	// SampleRate is the rate the rest of the audio chain runs at. Silence
	// fillers and stretched takes are produced at this rate and the final
	// concat stream-copies, so a worker emitting another rate would corrupt
	// the mix. When > 0, responses reporting a different rate are rejected.
	SampleRate  int
	WarmupWait  time.Duration
	CallTimeout time.Duration
}

// WorkerBackend runs the synthesis engine as a single python subprocess
// speaking JSON lines over stdin/stdout. One request is in flight at a time;
// Acquire serializes callers.
type WorkerBackend struct {
	logger *zap.Logger
	cfg    WorkerConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	sem    chan struct{}
	closed chan struct{}
}

type workerRequest struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	LangCode string  `json:"lang_code"`
	Speed    float64 `json:"speed"`
}

type workerResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error"`
}

// StartWorkerBackend launches the worker and fires a warmup request so
// dependency errors surface at startup instead of mid-run.
func StartWorkerBackend(logger *zap.Logger, cfg WorkerConfig) (*WorkerBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WarmupWait <= 0 {
		cfg.WarmupWait = 25 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}

	cmd := exec.Command(cfg.Python, "-u", cfg.WorkerScript)
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start synthesis worker: %w", err)
	}

	b := &WorkerBackend{
		logger: logger,
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		dec:    json.NewDecoder(stdout),
		sem:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WarmupWait)
	defer cancel()
	warmup := Request{Text: "warmup", Voice: cfg.DefaultVoice, LangCode: cfg.LangCode, LengthScale: 1.0}
	if _, err := b.call(ctx, warmup); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("synthesis worker failed to start: %s", msg)
	}
	return b, nil
}

// Acquire blocks until the worker is free. The returned session holds the
// single in-flight permit until released.
func (b *WorkerBackend) Acquire(ctx context.Context) (Session, error) {
	select {
	case b.sem <- struct{}{}:
		return &workerSession{backend: b}, nil
	case <-b.closed:
		return nil, fmt.Errorf("synthesis backend closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *WorkerBackend) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	_ = b.stdin.Close()
	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	return b.cmd.Wait()
}

// call sends one request and decodes exactly one response. Callers must hold
// the permit; the worker protocol has no interleaving.
func (b *WorkerBackend) call(ctx context.Context, req Request) ([]byte, error) {
	scale := req.LengthScale
	if scale <= 0 {
		scale = 1.0
	}
	line := workerRequest{
		ID:       fmt.Sprintf("req-%d", time.Now().UnixNano()),
		Text:     req.Text,
		Voice:    req.Voice,
		LangCode: req.LangCode,
		// The engine takes a speech speed; duration scales by its inverse.
		Speed: 1.0 / scale,
	}
	if strings.TrimSpace(line.Voice) == "" {
		line.Voice = b.cfg.DefaultVoice
	}
	if strings.TrimSpace(line.LangCode) == "" {
		line.LangCode = b.cfg.LangCode
	}

	payload, _ := json.Marshal(line)
	payload = append(payload, '\n')
	if _, err := b.stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("write to synthesis worker: %w", err)
	}

	type decoded struct {
		resp workerResponse
		err  error
	}
	ch := make(chan decoded, 1)
	go func() {
		var resp workerResponse
		err := b.dec.Decode(&resp)
		ch <- decoded{resp: resp, err: err}
	}()

	var resp workerResponse
	select {
	case d := <-ch:
		if d.err != nil {
			return nil, fmt.Errorf("read from synthesis worker: %w", d.err)
		}
		resp = d.resp
	case <-ctx.Done():
		return nil, fmt.Errorf("synthesis call: %w", ctx.Err())
	}

	if resp.ID != line.ID {
		return nil, fmt.Errorf("synthesis worker out-of-sync (got %q, expected %q)", resp.ID, line.ID)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown synthesis error"
		}
		return nil, fmt.Errorf("synthesis worker: %s", msg)
	}
	if b.cfg.SampleRate > 0 && resp.SampleRate > 0 && resp.SampleRate != b.cfg.SampleRate {
		return nil, fmt.Errorf("synthesis worker emits %d Hz, pipeline runs at %d Hz", resp.SampleRate, b.cfg.SampleRate)
	}
	if strings.TrimSpace(resp.AudioBase64) == "" {
		return []byte{}, nil
	}
	wav, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode worker audio: %w", err)
	}
	return wav, nil
}

type workerSession struct {
	backend  *WorkerBackend
	released bool
}

func (s *workerSession) Synthesize(ctx context.Context, req Request) error {
	if s.released {
		return fmt.Errorf("synthesize on released session")
	}
	ctx, cancel := context.WithTimeout(ctx, s.backend.cfg.CallTimeout)
	defer cancel()

	wav, err := s.backend.call(ctx, req)
	if err != nil {
		return err
	}
	if err := os.WriteFile(req.OutPath, wav, 0o644); err != nil {
		return fmt.Errorf("write synthesis result: %w", err)
	}
	return nil
}

func (s *workerSession) Release() {
	if s.released {
		return
	}
	s.released = true
	<-s.backend.sem
}
