// Package evaluator produces a model output and per-item metrics for one
// dataset row.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/evalhub/internal/domain"
)

// InputPlaceholder is replaced by the row input when a prompt is rendered.
const InputPlaceholder = "{input}"

// Request is one row to evaluate under a run's model, prompt and parameters.
type Request struct {
	Model      string
	Prompt     string
	Parameters domain.Metadata
	Input      string
	Expected   *string
}

type Output struct {
	Text    string
	Metrics domain.Metadata
}

type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Output, error)
}

// ErrTransient marks a failure worth retrying later, such as a rate limit or
// an upstream 5xx.
var ErrTransient = errors.New("transient evaluator failure")

// RenderPrompt substitutes input for every {input} in template. A template
// without the placeholder gets the input appended after a blank line.
func RenderPrompt(template, input string) string {
	if strings.Contains(template, InputPlaceholder) {
		return strings.ReplaceAll(template, InputPlaceholder, input)
	}
	if strings.TrimSpace(template) == "" {
		return input
	}
	return template + "\n\n" + input
}

// Score computes the metrics every evaluator reports: latency_ms and
// output_chars always, exact_match when an expected output is known.
func Score(req Request, text string, elapsed time.Duration) domain.Metadata {
	m := domain.Metadata{
		"latency_ms":   float64(elapsed.Microseconds()) / 1000,
		"output_chars": len([]rune(text)),
	}
	if req.Expected != nil {
		match := 0.0
		if strings.TrimSpace(text) == strings.TrimSpace(*req.Expected) {
			match = 1
		}
		m["exact_match"] = match
	}
	return m
}

type Config struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

func DefaultConfig() Config {
	return Config{Provider: ProviderOpenAI, OpenAI: DefaultOpenAIConfig()}
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case ProviderOpenAI:
		return c.OpenAI.Validate()
	case ProviderEcho:
		return nil
	default:
		return fmt.Errorf("evaluator provider must be one of: openai, echo (got %q)", c.Provider)
	}
}

func New(cfg Config) (Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Provider), ProviderEcho) {
		return &Static{}, nil
	}
	return NewOpenAI(cfg.OpenAI), nil
}
