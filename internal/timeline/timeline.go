// Package timeline models the timed structure of a spoken track: speech
// segments from the transcript and the silence spans between them.
package timeline

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/subtitle"
)

// Spans longer than this are considered transcription glitches and dropped.
const maxPlausibleSpanSec = 120.0

// Segment is one speech span to be re-synthesized. Identity (Index, Start,
// End) is fixed at parse time; the synthesis fields are filled in by the
// segment controller once a final audio file is accepted.
type Segment struct {
	Index         int
	Start         float64
	End           float64
	OriginalText  string
	SynthesisText string

	// Result of synthesis, populated by the controller.
	AudioPath        string
	MeasuredDuration float64
	AcceptedScale    float64
	Voiced           bool
	SilenceFallback  bool
	Attempts         int
}

// TargetDuration is the span the synthesized audio must fill.
func (s *Segment) TargetDuration() float64 {
	return s.End - s.Start
}

// Timeline is the ordered segment set plus inferred silence spans covering
// every gap, including before the first and after the last segment.
type Timeline struct {
	TotalDuration float64
	Segments      []*Segment
	Silences      []SilenceSpan
}

// Build derives a Timeline from parsed cues. Cues with non-positive or
// implausible spans are dropped with a warning; overlapping cues are clamped
// so spans never overlap. An empty result is a structural failure.
func Build(cues []subtitle.Cue, totalDuration float64, logger *zap.Logger) (*Timeline, error) {
	if totalDuration <= 0 {
		return nil, fmt.Errorf("timeline: target duration %.3fs is not positive", totalDuration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sorted := append([]subtitle.Cue(nil), cues...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var segments []*Segment
	prevEnd := 0.0
	for _, cue := range sorted {
		start, end := cue.Start, cue.End
		if start < prevEnd {
			logger.Warn("overlapping cue clamped",
				zap.Int("cue", cue.Index),
				zap.Float64("start", start),
				zap.Float64("prev_end", prevEnd))
			start = prevEnd
		}
		d := end - start
		if d <= 0 || d > maxPlausibleSpanSec {
			logger.Warn("dropping implausible cue span",
				zap.Int("cue", cue.Index),
				zap.Float64("start", cue.Start),
				zap.Float64("duration", d))
			continue
		}
		if end > totalDuration {
			end = totalDuration
			if end-start <= 0 {
				logger.Warn("dropping cue past end of track", zap.Int("cue", cue.Index))
				continue
			}
		}
		text := subtitle.NormalizeForSynthesis(cue.Text)
		if text == "" {
			logger.Warn("dropping cue with no speakable text", zap.Int("cue", cue.Index))
			continue
		}
		segments = append(segments, &Segment{
			Index:         len(segments),
			Start:         start,
			End:           end,
			OriginalText:  cue.Text,
			SynthesisText: text,
		})
		prevEnd = end
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("timeline: no usable segments parsed from %d cues", len(cues))
	}

	tl := &Timeline{TotalDuration: totalDuration, Segments: segments}
	tl.Silences = inferSilences(segments, totalDuration)
	return tl, nil
}

func inferSilences(segments []*Segment, total float64) []SilenceSpan {
	var spans []SilenceSpan
	cursor := 0.0
	for _, seg := range segments {
		if gap := seg.Start - cursor; gap > 0 {
			spans = append(spans, NewSilenceSpan(cursor, seg.Start))
		}
		cursor = seg.End
	}
	if total-cursor > 0 {
		spans = append(spans, NewSilenceSpan(cursor, total))
	}
	return spans
}

// GapBefore returns the silence expected before segment i per the original
// transcript timing: the distance from the previous segment's end (or track
// start) to this segment's start.
func (t *Timeline) GapBefore(i int) float64 {
	if i == 0 {
		return t.Segments[0].Start
	}
	return t.Segments[i].Start - t.Segments[i-1].End
}

// SpanBefore returns the inferred silence span preceding segment i, if any.
func (t *Timeline) SpanBefore(i int) (SilenceSpan, bool) {
	var start float64
	if i > 0 {
		start = t.Segments[i-1].End
	}
	for _, span := range t.Silences {
		if span.Start == start && span.End == t.Segments[i].Start {
			return span, true
		}
	}
	return SilenceSpan{}, false
}

// TailGap returns the silence expected after the last segment.
func (t *Timeline) TailGap() float64 {
	last := t.Segments[len(t.Segments)-1]
	return t.TotalDuration - last.End
}
