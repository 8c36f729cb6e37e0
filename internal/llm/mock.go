package llm

import (
	"context"

	"fathom/internal/core"
)

// MockGenerator implements TextGenerator with scripted responses for tests.
// Responses are consumed in order; once exhausted the last one repeats.
type MockGenerator struct {
	responses []string
	err       error
	prompts   []string
	usage     core.TokenUsage
}

// NewMockGenerator creates a mock generator returning the given responses.
func NewMockGenerator(responses ...string) *MockGenerator {
	return &MockGenerator{
		responses: responses,
		usage:     core.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

// WithError makes every call fail with err.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.err = err
	return m
}

// WithUsage overrides the token usage reported per call.
func (m *MockGenerator) WithUsage(usage core.TokenUsage) *MockGenerator {
	m.usage = usage
	return m
}

// Prompts returns every prompt seen so far, in call order.
func (m *MockGenerator) Prompts() []string { return m.prompts }

// CallCount reports how many Generate calls were made.
func (m *MockGenerator) CallCount() int { return len(m.prompts) }

// Generate returns the next scripted response.
func (m *MockGenerator) Generate(_ context.Context, prompt string, opts Options) (*Response, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, ErrEmptyResponse
	}

	idx := len(m.prompts) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}

	model := opts.Model
	if model == "" {
		model = "mock-model"
	}
	return &Response{Text: m.responses[idx], Model: model, Usage: m.usage}, nil
}
