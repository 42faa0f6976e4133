package synth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeFakeWorker builds a shell stand-in for the python engine: it echoes
// one JSON response per request line, reporting the given sample rate.
func writeFakeWorker(t *testing.T, sampleRate int) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
while read -r line; do
  id=$(printf '%%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
  printf '{"id":"%%s","ok":true,"format":"wav","sample_rate":%d,"audio_base64":""}\n' "$id"
done
`, sampleRate)
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWorkerBackendRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fake")
	}
	b, err := StartWorkerBackend(nil, WorkerConfig{
		Python:       "/bin/sh",
		WorkerScript: writeFakeWorker(t, 24000),
		DefaultVoice: "af_heart",
		LangCode:     "a",
		SampleRate:   24000,
	})
	if err != nil {
		t.Fatalf("StartWorkerBackend: %v", err)
	}
	defer b.Close()

	session, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer session.Release()

	out := filepath.Join(t.TempDir(), "take.wav")
	if err := session.Synthesize(context.Background(), Request{Text: "hello", LengthScale: 1.0, OutPath: out}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestWorkerBackendRejectsSampleRateMismatch(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fake")
	}
	// Generated silence and stretched takes run at the configured rate and
	// the final concat stream-copies, so a worker on another rate must be
	// refused before any audio reaches the timeline.
	_, err := StartWorkerBackend(nil, WorkerConfig{
		Python:       "/bin/sh",
		WorkerScript: writeFakeWorker(t, 22050),
		DefaultVoice: "af_heart",
		LangCode:     "a",
		SampleRate:   24000,
	})
	if err == nil {
		t.Fatal("expected startup error for mismatched worker sample rate")
	}
	if !strings.Contains(err.Error(), "22050") {
		t.Fatalf("error does not name the offending rate: %v", err)
	}
}
