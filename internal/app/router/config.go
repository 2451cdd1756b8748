package router

import (
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ModelParams are the inference settings sent with every fallback call.
type ModelParams struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	TopP         float32
}

// Config is everything the router needs besides its two providers.
type Config struct {
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration

	// UnhelpfulPhrases are matched case-insensitively as substrings of the
	// knowledge-base output; a match sends the turn to the fallback.
	UnhelpfulPhrases []string
	// DisclaimerPatterns are case-insensitive regular expressions removed
	// from the buffered fallback text.
	DisclaimerPatterns []string
	// ApologyText is the answer when the fallback cannot produce one.
	ApologyText string

	// Sources maps knowledge-base document names to public URLs.
	Sources map[string]string

	Model ModelParams

	// TracerProvider receives the router spans; nil uses the global provider.
	TracerProvider trace.TracerProvider
}

const (
	DefaultApologyText  = "An error occurred while processing your request."
	DefaultSystemPrompt = "You are Herdbot, an assistant for farmers. Answer with facts, briefly and in the language of the question."
)

func DefaultUnhelpfulPhrases() []string {
	return []string{
		"Sorry, I am unable to assist",
		"I could not find",
		"The search results do not contain",
	}
}

func DefaultDisclaimerPatterns() []string {
	return []string{
		`Sorry, I am unable to assist you with this request.*?`,
		`I cannot provide that information.*?`,
		`I'm unable to help with that request.*?`,
		`I apologize that I couldn't find this specific information.*?`,
		`I couldn't find this in the knowledge base.*?`,
		`This information is based on general knowledge.*?`,
		`If you need more specific details, please let me know.*?`,
	}
}

func DefaultConfig() Config {
	return Config{
		PrimaryTimeout:     30 * time.Second,
		FallbackTimeout:    60 * time.Second,
		UnhelpfulPhrases:   DefaultUnhelpfulPhrases(),
		DisclaimerPatterns: DefaultDisclaimerPatterns(),
		ApologyText:        DefaultApologyText,
		Model: ModelParams{
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    2000,
			Temperature:  0.7,
			TopP:         0.9,
		},
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("disclaimer pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
