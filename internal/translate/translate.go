// Package translate rewrites cue text into the target dub language while
// keeping the cue timing untouched.
package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mvallone/dubsync/internal/subtitle"
)

// Translator rewrites cue text in place, one cue per line, preserving order.
type Translator interface {
	Translate(ctx context.Context, cues []subtitle.Cue, targetLang string) ([]subtitle.Cue, error)
}

// Passthrough leaves the text untouched. Used when the source already
// matches the dub language, or as the fallback when translation is
// skippable and the real translator failed.
type Passthrough struct{}

func (Passthrough) Translate(_ context.Context, cues []subtitle.Cue, _ string) ([]subtitle.Cue, error) {
	return cues, nil
}

const systemPrompt = `You translate subtitles for dubbing. Translate each numbered line into the target language. Keep the translation natural to speak aloud and close to the original's spoken length. Reply with the same numbered lines, one per input line, nothing else.`

// OpenAI translates cues in one chat completion per batch.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func NewOpenAI(apiKey, model string, timeout time.Duration, logger *zap.Logger) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("translate: API key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (o *OpenAI) Translate(ctx context.Context, cues []subtitle.Cue, targetLang string) ([]subtitle.Cue, error) {
	if len(cues) == 0 {
		return cues, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target language: %s\n\n", targetLang)
	for i, cue := range cues {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.ReplaceAll(cue.Text, "\n", " "))
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: sb.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("translate request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translate: empty response")
	}

	lines := parseNumberedLines(resp.Choices[0].Message.Content, len(cues))
	if lines == nil {
		return nil, fmt.Errorf("translate: response had wrong line count")
	}
	out := make([]subtitle.Cue, len(cues))
	copy(out, cues)
	for i := range out {
		out[i].Text = lines[i]
	}
	o.logger.Info("translation complete",
		zap.String("target_lang", targetLang),
		zap.Int("cues", len(cues)))
	return out, nil
}

// parseNumberedLines extracts exactly want "N. text" lines, tolerating
// blank lines and missing number prefixes. Returns nil on a count mismatch.
func parseNumberedLines(body string, want int) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if dot := strings.Index(line, ". "); dot > 0 && dot <= 4 {
			if isDigits(line[:dot]) {
				line = strings.TrimSpace(line[dot+2:])
			}
		}
		out = append(out, line)
	}
	if len(out) != want {
		return nil
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
