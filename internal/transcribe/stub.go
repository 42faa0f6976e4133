package transcribe

import (
	"context"

	"github.com/mvallone/dubsync/internal/subtitle"
)

// Scripted returns canned cues, for tests and dry runs.
type Scripted struct {
	Cues []subtitle.Cue
	Err  error
}

func (s *Scripted) Transcribe(context.Context, string) ([]subtitle.Cue, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Cues, nil
}
