package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"fathom/internal/core"
)

const (
	// DefaultModel is the default Gemini model for synthesis work.
	DefaultModel = "gemini-flash-lite-latest"
	// DefaultAnalysisModel is a cheaper model suitable for extraction and
	// scoring passes.
	DefaultAnalysisModel = "gemini-flash-lite-latest"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// ErrNoStructuredOutput is returned when a structured generation call could
// not yield parseable JSON.
var ErrNoStructuredOutput = errors.New("no structured output in model response")

// Options controls a single generation call.
type Options struct {
	Model       string  // Model override (defaults to the client's model)
	Temperature float32 // Sampling temperature, 0.0 to 1.0
	MaxTokens   int32   // Maximum tokens to generate, 0 for provider default
	JSONOutput  bool    // Request a JSON response body
}

// Response carries generated text plus token accounting.
type Response struct {
	Text  string
	Model string
	Usage core.TokenUsage
}

// TextGenerator is the generation surface agents depend on.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// Client wraps the Gemini API behind TextGenerator.
type Client struct {
	apiKey    string
	modelName string
	gClient   *genai.Client
}

// NewClient creates a Gemini-backed client. The API key is resolved from
// the argument first, then the GEMINI_API_KEY and GOOGLE_GEMINI_API_KEY
// environment variables.
func NewClient(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY or ai.gemini.api_key in config.\nGet your API key from: https://makersuite.google.com/app/apikey")
	}

	if modelName == "" {
		modelName = DefaultModel
	}

	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		apiKey:    apiKey,
		modelName: modelName,
		gClient:   gClient,
	}, nil
}

// Model returns the client's default model name.
func (c *Client) Model() string { return c.modelName }

// Generate runs one generation call against the Gemini API.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = c.modelName
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	config := &genai.GenerateContentConfig{}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = opts.MaxTokens
	}
	if opts.JSONOutput {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.gClient.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, ErrEmptyResponse
	}

	out := &Response{Text: text, Model: model}
	if resp.UsageMetadata != nil {
		out.Usage = core.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// GenerateStructured runs a generation call and decodes the JSON payload of
// the response into out. A response without parseable JSON yields
// ErrNoStructuredOutput; callers treat that as a cue to use their fallback.
func GenerateStructured(ctx context.Context, g TextGenerator, prompt string, opts Options, out any) (*Response, error) {
	opts.JSONOutput = true
	resp, err := g.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}

	payload, err := ExtractJSON(resp.Text)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrNoStructuredOutput, err)
	}
	return resp, nil
}

// ExtractJSON pulls a JSON document out of a model response that may be
// wrapped in markdown fences or surrounded by prose. It returns the
// outermost object or array, or ErrNoStructuredOutput.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Strip markdown code fences if present.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')

	start := objStart
	open, close := byte('{'), byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		open, close = '[', ']'
	}
	if start < 0 {
		return "", ErrNoStructuredOutput
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoStructuredOutput
}
