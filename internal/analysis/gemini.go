package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Analyzer calls the Gemini API and turns its output into a validated Result.
type Analyzer struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// Analysis is one successful model call.
type Analysis struct {
	Result           *Result
	RawJSON          string
	PromptTokens     int
	CompletionTokens int
}

// NewAnalyzer creates a Gemini-backed analyzer.
func NewAnalyzer(ctx context.Context, apiKey, model string, timeout time.Duration) (*Analyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Analyzer{client: client, model: model, timeout: timeout}, nil
}

// Model returns the configured model name.
func (a *Analyzer) Model() string {
	return a.model
}

// Analyze sends the prompt and parses the response. Malformed or
// schema-violating output is an error the caller may retry, since the model
// is nondeterministic.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (*Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.2)),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	result, raw, err := ParseResult(text.String())
	if err != nil {
		return nil, err
	}

	out := &Analysis{Result: result, RawJSON: raw}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// ParseResult strips any markdown fence the model wrapped its output in,
// parses the JSON, and validates it against the schema.
func ParseResult(text string) (*Result, string, error) {
	raw := stripJSONFence(text)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, "", fmt.Errorf("model returned invalid JSON: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, "", err
	}
	return &result, raw, nil
}

// stripJSONFence removes a leading ```json (or bare ```) fence and the
// trailing ``` if present.
func stripJSONFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
