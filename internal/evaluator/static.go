package evaluator

import (
	"context"
	"sync"
	"time"
)

// Static answers from a fixed table keyed by input and echoes the rendered
// prompt for anything else. It backs the echo provider and tests.
type Static struct {
	Answers map[string]string
	// Errors fails evaluation of the listed inputs.
	Errors map[string]error

	mu    sync.Mutex
	calls []Request
}

func (s *Static) Evaluate(ctx context.Context, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	started := time.Now()
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if err, ok := s.Errors[req.Input]; ok {
		return Output{}, err
	}
	text, ok := s.Answers[req.Input]
	if !ok {
		text = RenderPrompt(req.Prompt, req.Input)
	}
	return Output{Text: text, Metrics: Score(req, text, time.Since(started))}, nil
}

// Calls returns the requests seen so far.
func (s *Static) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
