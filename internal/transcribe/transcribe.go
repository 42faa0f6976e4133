// Package transcribe produces timed subtitle cues from an audio track.
package transcribe

import (
	"context"

	"github.com/mvallone/dubsync/internal/subtitle"
)

// Backend turns an audio file into timed cues in the source language.
type Backend interface {
	Transcribe(ctx context.Context, audioPath string) ([]subtitle.Cue, error)
}
