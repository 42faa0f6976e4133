// Package subtitle parses and emits SubRip timed-text documents.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Cue is a single timed-text span. Start and End are seconds from the
// beginning of the track.
type Cue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// Duration returns the nominal span length in seconds.
func (c Cue) Duration() float64 {
	return c.End - c.Start
}

var timestampLine = regexp.MustCompile(
	`^(\d{1,2}):(\d{2}):(\d{2})[.,](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[.,](\d{1,3})`)

// ParseSRT reads a SubRip document. Malformed blocks are skipped rather than
// failing the whole document; an empty result with no cues at all is an error
// because downstream stages cannot work without a transcript.
func ParseSRT(r io.Reader) ([]Cue, error) {
	var cues []Cue
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var block []string
	flush := func() {
		if cue, ok := parseBlock(block); ok {
			cues = append(cues, cue)
		}
		block = block[:0]
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read subtitle document: %w", err)
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("no usable cues in subtitle document")
	}
	return cues, nil
}

func parseBlock(lines []string) (Cue, bool) {
	// Leading BOM or sequence number line is optional; locate the timestamp.
	tsIdx := -1
	for i, line := range lines {
		if timestampLine.MatchString(strings.TrimPrefix(strings.TrimSpace(line), "\uFEFF")) {
			tsIdx = i
			break
		}
	}
	if tsIdx < 0 || tsIdx+1 > len(lines) {
		return Cue{}, false
	}

	m := timestampLine.FindStringSubmatch(strings.TrimPrefix(strings.TrimSpace(lines[tsIdx]), "\uFEFF"))
	start := toSeconds(m[1], m[2], m[3], m[4])
	end := toSeconds(m[5], m[6], m[7], m[8])

	index := 0
	if tsIdx > 0 {
		if n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(lines[tsIdx-1]), "\uFEFF")); err == nil {
			index = n
		}
	}

	text := strings.TrimSpace(strings.Join(lines[tsIdx+1:], "\n"))
	if text == "" {
		return Cue{}, false
	}
	return Cue{Index: index, Start: start, End: end, Text: text}, true
}

func toSeconds(h, m, s, ms string) float64 {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.Atoi(s)
	// Millisecond field may arrive with fewer than three digits.
	for len(ms) < 3 {
		ms += "0"
	}
	mss, _ := strconv.Atoi(ms)
	return float64(hh)*3600 + float64(mm)*60 + float64(ss) + float64(mss)/1000
}

// FormatTimestamp renders seconds as an SRT timestamp (HH:MM:SS,mmm).
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", totalSec/3600, (totalSec/60)%60, totalSec%60, ms)
}

// WriteSRT emits cues as a SubRip document, renumbering sequentially.
func WriteSRT(w io.Writer, cues []Cue) error {
	bw := bufio.NewWriter(w)
	for i, cue := range cues {
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatTimestamp(cue.Start), FormatTimestamp(cue.End), cue.Text)
	}
	return bw.Flush()
}
