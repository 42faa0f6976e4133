package subtitle

import (
	"regexp"
	"strings"
)

var (
	markupTags   = regexp.MustCompile(`<[^>]*>|\{\\[^}]*\}`)
	captionNotes = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|♪[^♪]*♪`)
	speakerLabel = regexp.MustCompile(`^[A-ZÀ-Ý][A-ZÀ-Ý0-9 .'-]{1,24}:\s*`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// Common abbreviations that synthesis engines mispronounce when left short.
var abbreviations = map[string]string{
	"Dr.":  "Doctor",
	"Mr.":  "Mister",
	"Mrs.": "Missus",
	"St.":  "Saint",
	"vs.":  "versus",
	"etc.": "et cetera",
	"No.":  "number",
	"approx.": "approximately",
}

// NormalizeForSynthesis converts raw cue text into text safe to hand to the
// synthesis backend: markup and caption annotations are stripped, speaker
// labels removed, abbreviations expanded, whitespace collapsed.
func NormalizeForSynthesis(text string) string {
	text = markupTags.ReplaceAllString(text, " ")
	text = captionNotes.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = speakerLabel.ReplaceAllString(strings.TrimSpace(line), "")
	}
	text = strings.Join(lines, " ")

	for abbr, full := range abbreviations {
		text = strings.ReplaceAll(text, abbr, full)
	}

	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}

var (
	fillerWords  = regexp.MustCompile(`(?i)\b(uh|um|erm|you know|I mean)\b[,.]?\s*`)
	repeatedWord = regexp.MustCompile(`(?i)\b(\w+)(\s+\1\b)+`)
)

// Simplify shortens text that cannot physically fit its time span: fillers
// and stutters go first. It is deliberately conservative; meaning-changing
// compression is left to the translation stage.
func Simplify(text string) string {
	text = fillerWords.ReplaceAllString(text, "")
	text = repeatedWord.ReplaceAllString(text, "$1")
	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}
