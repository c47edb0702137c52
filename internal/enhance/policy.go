package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tg-imagebot/internal/logger"
)

const (
	MinLevel = 1
	MaxLevel = 10

	// fallbackWordLimit applies to levels outside the table
	fallbackWordLimit = 100
)

// ErrEnhancement matches every error returned by Policy.Enhance
var ErrEnhancement = errors.New("prompt enhancement failed")

// ErrEmptyCompletion is returned when the backend answers without usable text
var ErrEmptyCompletion = errors.New("empty completion")

// Error carries the level and the cause of a failed enhancement
type Error struct {
	Level int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("prompt enhancement at level %d failed: %v", e.Level, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEnhancement }

// Completion is one request to the text-generation backend
type Completion struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
	Stop        []string
}

// Completer is the text-generation backend
type Completer interface {
	Complete(ctx context.Context, req Completion) (string, error)
}

// Profile is the rewrite policy derived from a creativity level
type Profile struct {
	Level       int
	WordLimit   int
	Instruction string
}

type tier struct {
	upper     int
	wordLimit int
	style     string
	steps     [3]string
}

const preamble = "You are an expert in crafting detailed, imaginative, and visually descriptive prompts for AI image generation."

// tiers is ordered by upper bound; a level uses the first tier with level <= upper
var tiers = []tier{
	{upper: 1, wordLimit: 0},
	{upper: 2, wordLimit: 10, style: "minimal", steps: [3]string{
		"Keep the original prompt almost entirely intact",
		"Only add basic descriptive details if absolutely necessary",
		"Do not change the core concept or style",
	}},
	{upper: 3, wordLimit: 20, style: "light", steps: [3]string{
		"Keep the main elements of the original prompt",
		"Add minimal artistic style suggestions",
		"Include basic descriptive details",
	}},
	{upper: 4, wordLimit: 30, style: "moderate", steps: [3]string{
		"Preserve the core concept",
		"Add some artistic style elements",
		"Include additional descriptive details",
	}},
	{upper: 5, wordLimit: 40, style: "balanced", steps: [3]string{
		"Keep the main theme while adding detail",
		"Suggest complementary artistic styles",
		"Add meaningful descriptive elements",
	}},
	{upper: 6, wordLimit: 50, style: "notable", steps: [3]string{
		"Expand on the original concept",
		"Add specific artistic style recommendations",
		"Include detailed visual descriptions",
	}},
	{upper: 7, wordLimit: 60, style: "significant", steps: [3]string{
		"Build upon the core concept",
		"Add rich artistic style elements",
		"Include comprehensive visual details",
	}},
	{upper: 8, wordLimit: 70, style: "extensive", steps: [3]string{
		"Elaborate on the original concept",
		"Add detailed artistic direction",
		"Include rich visual descriptions",
	}},
	{upper: 9, wordLimit: 80, style: "substantial", steps: [3]string{
		"Significantly expand the concept",
		"Add comprehensive artistic direction",
		"Include intricate visual details",
	}},
	{upper: 10, wordLimit: 90, style: "maximum", steps: [3]string{
		"Fully develop and expand the concept",
		"Add extensive artistic direction",
		"Include highly detailed visual descriptions",
	}},
}

// ProfileFor derives the rewrite profile for a creativity level. Levels above
// the table keep the strongest instruction with the fallback word limit.
func ProfileFor(level int) Profile {
	for _, t := range tiers {
		if level <= t.upper {
			return Profile{Level: level, WordLimit: t.wordLimit, Instruction: t.instruction(t.wordLimit)}
		}
	}

	last := tiers[len(tiers)-1]
	return Profile{Level: level, WordLimit: fallbackWordLimit, Instruction: last.instruction(fallbackWordLimit)}
}

func (t tier) instruction(limit int) string {
	if t.style == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString(preamble)
	fmt.Fprintf(&b, " For this prompt, make %s enhancements:", t.style)
	for i, step := range t.steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	fmt.Fprintf(&b, "\n\nIMPORTANT: Your response must not exceed %d words. Be concise and precise.", limit)
	return b.String()
}

// EnforceWordLimit keeps at most limit whitespace-separated words, joined by
// single spaces. A limit of 0 disables truncation.
func EnforceWordLimit(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) > limit {
		words = words[:limit]
	}
	return strings.Join(words, " ")
}

// Policy rewrites prompts through a Completer according to the creativity level
type Policy struct {
	completer Completer
	maxTokens int64
}

func NewPolicy(completer Completer, maxTokens int64) *Policy {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Policy{completer: completer, maxTokens: maxTokens}
}

// Enhance returns the rewritten prompt. Level 1 and below return prompt
// unchanged without contacting the backend. Failures are *Error.
func (p *Policy) Enhance(ctx context.Context, prompt string, level int) (string, error) {
	if level <= MinLevel {
		return prompt, nil
	}

	profile := ProfileFor(level)
	text, err := p.completer.Complete(ctx, Completion{
		System:      profile.Instruction,
		User:        fmt.Sprintf("Original prompt: %s\n\nEnhanced prompt:", prompt),
		Temperature: float64(level) / 10,
		MaxTokens:   p.maxTokens,
		Stop:        []string{"\n"},
	})
	if err != nil {
		return "", &Error{Level: level, Err: err}
	}

	text = EnforceWordLimit(strings.TrimSpace(text), profile.WordLimit)
	if text == "" {
		return "", &Error{Level: level, Err: ErrEmptyCompletion}
	}

	logger.Debugf("Enhanced prompt at level %d (limit %d words): %s", level, profile.WordLimit, text)
	return text, nil
}
