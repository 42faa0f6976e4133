package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestNewWhisperCPPMissingCLI(t *testing.T) {
	if _, err := NewWhisperCPP("definitely-not-a-real-binary-xyz", "model.bin", "en", 0, nil); err == nil {
		t.Fatal("expected error for missing CLI")
	}
}

func TestNewWhisperCPPMissingModel(t *testing.T) {
	cli := writeFakeCLI(t, "#!/bin/sh\nexit 0\n")
	if _, err := NewWhisperCPP(cli, filepath.Join(t.TempDir(), "missing.bin"), "en", 0, nil); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestWhisperCPPParsesEmittedSRT(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fake")
	}
	// The fake writes a two-cue SRT to the -of prefix, mimicking whisper.cpp.
	script := `#!/bin/sh
prefix="$9"
cat > "$prefix.srt" <<'EOF'
1
00:00:00,000 --> 00:00:02,500
Hello there.

2
00:00:03,000 --> 00:00:05,000
General conversation.
EOF
`
	cli := writeFakeCLI(t, script)
	model := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	audio := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWhisperCPP(cli, model, "en", 2, nil)
	if err != nil {
		t.Fatalf("NewWhisperCPP: %v", err)
	}
	cues, err := w.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d", len(cues))
	}
	if cues[0].Text != "Hello there." || cues[0].End != 2.5 {
		t.Fatalf("unexpected first cue: %+v", cues[0])
	}
}

func TestWhisperCPPReportsCLIFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fake")
	}
	cli := writeFakeCLI(t, "#!/bin/sh\necho 'model load failed' >&2\nexit 3\n")
	model := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(model, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	audio := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWhisperCPP(cli, model, "en", 1, nil)
	if err != nil {
		t.Fatalf("NewWhisperCPP: %v", err)
	}
	if _, err := w.Transcribe(context.Background(), audio); err == nil {
		t.Fatal("expected error from failing CLI")
	}
}

func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper-cli")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
