package synth

import (
	"context"
	"sync"

	"github.com/mvallone/dubsync/internal/audio"
)

// ScriptedBackend is an in-memory Backend for tests. DurationFor decides how
// long the produced audio is for a given request; the file written is a tone
// burst of that length so analysis sees voiced audio, unless Silent returns
// true.
type ScriptedBackend struct {
	SampleRate  int
	DurationFor func(req Request) float64
	Silent      func(req Request) bool
	Err         func(req Request) error

	mu       sync.Mutex
	Calls    []Request
	acquired bool
}

func (b *ScriptedBackend) Acquire(ctx context.Context) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acquired {
		panic("scripted backend acquired twice without release")
	}
	b.acquired = true
	return &scriptedSession{backend: b}, nil
}

func (b *ScriptedBackend) Close() error { return nil }

type scriptedSession struct {
	backend  *ScriptedBackend
	released bool
}

func (s *scriptedSession) Synthesize(ctx context.Context, req Request) error {
	b := s.backend
	b.mu.Lock()
	b.Calls = append(b.Calls, req)
	b.mu.Unlock()

	if b.Err != nil {
		if err := b.Err(req); err != nil {
			return err
		}
	}

	rate := b.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	seconds := 1.0
	if b.DurationFor != nil {
		seconds = b.DurationFor(req)
	}
	if b.Silent != nil && b.Silent(req) {
		return audio.WriteSilenceWAVFile(req.OutPath, seconds, rate)
	}
	return writeToneWAV(req.OutPath, seconds, rate)
}

func (s *scriptedSession) Release() {
	if s.released {
		return
	}
	s.released = true
	s.backend.mu.Lock()
	s.backend.acquired = false
	s.backend.mu.Unlock()
}
