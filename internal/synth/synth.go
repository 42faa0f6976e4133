// Package synth drives the external speech synthesis engine. The engine is a
// single shared process that must not receive overlapping requests, so all
// access goes through an acquired Session; pooled backends can substitute a
// different Backend without touching controller logic.
package synth

import "context"

// Request asks for one synthesis attempt. LengthScale multiplies the spoken
// duration: 1.2 asks for speech 20% longer than the engine's natural pace.
type Request struct {
	Text        string
	Voice       string
	LangCode    string
	LengthScale float64
	// OutPath receives the synthesized WAV.
	OutPath string
}

// Session is exclusive access to the synthesis engine. Callers must Release
// when done; Synthesize calls on a released session fail.
type Session interface {
	Synthesize(ctx context.Context, req Request) error
	Release()
}

// Backend hands out synthesis sessions. Acquire blocks until the engine is
// free or ctx is cancelled.
type Backend interface {
	Acquire(ctx context.Context) (Session, error)
	Close() error
}
