package timeline

// SilenceClass buckets a gap by its duration. The bucket determines how much
// of the gap must survive any timing compression: short gaps carry the rhythm
// of speech and are preserved first, long pauses absorb most of the squeeze.
type SilenceClass string

const (
	SilenceInterWord SilenceClass = "inter-word"
	SilencePause     SilenceClass = "pause"
	SilenceBreath    SilenceClass = "breath"
	SilenceLongPause SilenceClass = "long-pause"
)

// ClassifySilence maps a gap duration in seconds to its class.
func ClassifySilence(duration float64) SilenceClass {
	switch {
	case duration < 0.1:
		return SilenceInterWord
	case duration < 0.3:
		return SilencePause
	case duration < 1.0:
		return SilenceBreath
	default:
		return SilenceLongPause
	}
}

// PreservationWeight returns how strongly a gap of this class resists
// compression, in [0, 1]. Tuned empirically; do not adjust without calibration data.
func (c SilenceClass) PreservationWeight() float64 {
	switch c {
	case SilenceInterWord:
		return 0.9
	case SilencePause:
		return 0.8
	case SilenceBreath:
		return 0.7
	default:
		return 0.6
	}
}

// SilenceSpan is an inferred gap between speech segments (or before the
// first / after the last one).
type SilenceSpan struct {
	Start float64
	End   float64
	Class SilenceClass
}

func NewSilenceSpan(start, end float64) SilenceSpan {
	return SilenceSpan{Start: start, End: end, Class: ClassifySilence(end - start)}
}

func (s SilenceSpan) Duration() float64 {
	return s.End - s.Start
}

// CompensatedDuration scales the span by the calibration silence-compensation
// factor, attenuated by the class preservation weight: a factor of 1 leaves
// the span untouched, and classes with higher weight move less than the raw
// factor would dictate.
func (s SilenceSpan) CompensatedDuration(factor float64) float64 {
	if factor <= 0 {
		factor = 1
	}
	w := s.Class.PreservationWeight()
	return s.Duration() * (w + (1-w)*factor)
}
