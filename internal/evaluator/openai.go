package evaluator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/animus-labs/evalhub/internal/domain"
)

type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{Timeout: 2 * time.Minute}
}

func (c OpenAIConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("openai api key is required")
	}
	if c.Timeout <= 0 {
		return errors.New("openai timeout must be > 0")
	}
	return nil
}

// OpenAI evaluates rows with a chat completion against any OpenAI-compatible
// endpoint. Run parameters temperature, top_p, max_tokens and system are
// passed through.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = strings.TrimRight(base, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultOpenAIConfig().Timeout
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAI{client: openai.NewClientWithConfig(clientConfig)}
}

func (e *OpenAI) Evaluate(ctx context.Context, req Request) (Output, error) {
	chatReq := openai.ChatCompletionRequest{Model: req.Model}
	if system, ok := req.Parameters["system"].(string); ok && strings.TrimSpace(system) != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: RenderPrompt(req.Prompt, req.Input),
	})
	if v, ok := domain.Numeric(req.Parameters["temperature"]); ok {
		chatReq.Temperature = float32(v)
	}
	if v, ok := domain.Numeric(req.Parameters["top_p"]); ok {
		chatReq.TopP = float32(v)
	}
	if v, ok := domain.Numeric(req.Parameters["max_tokens"]); ok && v > 0 {
		chatReq.MaxTokens = int(v)
	}

	started := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, chatReq)
	elapsed := time.Since(started)
	if err != nil {
		return Output{}, classify(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return Output{}, fmt.Errorf("model %s returned no choices", req.Model)
	}
	text := resp.Choices[0].Message.Content
	m := Score(req, text, elapsed)
	m["prompt_tokens"] = resp.Usage.PromptTokens
	m["completion_tokens"] = resp.Usage.CompletionTokens
	return Output{Text: text, Metrics: m}, nil
}

// classify marks rate limits, upstream 5xx and timeouts with ErrTransient.
// Other failures are final.
func classify(err error, model string) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	transient := status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	if status == 0 {
		transient = errors.Is(err, context.DeadlineExceeded) || isTimeout(err)
	}
	if transient {
		return fmt.Errorf("%w: model %s: %v", ErrTransient, model, err)
	}
	return fmt.Errorf("model %s: %w", model, err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
