package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	defaultModel     = "claude-sonnet-4-20250514"
)

type Operation string

const (
	OpAnalyze        Operation = "analyze"
	OpQuestions      Operation = "questions"
	OpSuggestions    Operation = "suggestions"
	OpEvaluate       Operation = "evaluate"
	OpKnowledgeDraft Operation = "knowledge_draft"
)

func ValidOperation(op string) bool {
	switch Operation(op) {
	case OpAnalyze, OpQuestions, OpSuggestions, OpEvaluate, OpKnowledgeDraft:
		return true
	}
	return false
}

// ErrDisabled is returned when no API key is configured.
var ErrDisabled = errors.New("ai derivation disabled")

// Context carries the session fields that frame a derivation prompt.
type Context struct {
	Title            string
	ProblemStatement string
	Notes            string
}

// Deriver produces a structured JSON result for one operation over a design
// document snapshot.
type Deriver interface {
	Derive(ctx context.Context, op Operation, document json.RawMessage, sc Context) (json.RawMessage, error)
}

type ClientOption func(*AnthropicDeriver)

func WithModel(model string) ClientOption {
	return func(d *AnthropicDeriver) { d.model = model }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(d *AnthropicDeriver) { d.httpClient = client }
}

func WithBaseURL(url string) ClientOption {
	return func(d *AnthropicDeriver) { d.baseURL = url }
}

// AnthropicDeriver implements Deriver against the Anthropic Messages API.
type AnthropicDeriver struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicDeriver(apiKey string, opts ...ClientOption) *AnthropicDeriver {
	d := &AnthropicDeriver{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: anthropicAPIURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *AnthropicDeriver) Derive(ctx context.Context, op Operation, document json.RawMessage, sc Context) (json.RawMessage, error) {
	prompt, err := buildPrompt(op, document, sc)
	if err != nil {
		return nil, err
	}

	reqBody := messagesRequest{
		Model:     d.model,
		MaxTokens: 4096,
		System:    systemPrompt(op),
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", d.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("model error %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("model error %d", resp.StatusCode)
	}
	if len(parsed.Content) == 0 {
		return nil, errors.New("empty model response")
	}

	return extractJSON(parsed.Content[0].Text)
}

func systemPrompt(op Operation) string {
	base := "You are a system design reviewer. Respond with a single JSON object only, no prose outside it."
	switch op {
	case OpKnowledgeDraft:
		return base + ` The object must have the shape {"topics":[{"title","description","tags"}],"cards":[{"title","summary","content","topic","tags"}],"interview_prep":{"summary","talking_points","follow_up_questions"},"notes":[]}.`
	default:
		return base
	}
}

func buildPrompt(op Operation, document json.RawMessage, sc Context) (string, error) {
	var b strings.Builder
	switch op {
	case OpAnalyze:
		b.WriteString("Analyze the following system design for bottlenecks, single points of failure and scaling limits.\n")
	case OpQuestions:
		b.WriteString("Produce probing interview-style questions about the following system design.\n")
	case OpSuggestions:
		b.WriteString("Suggest concrete improvements to the following system design.\n")
	case OpEvaluate:
		b.WriteString("Evaluate the following system design against its problem statement, scoring correctness, scalability and operability.\n")
	case OpKnowledgeDraft:
		b.WriteString("Distill the following system design session into reusable learning material.\n")
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}

	if sc.Title != "" {
		fmt.Fprintf(&b, "\nTitle: %s\n", sc.Title)
	}
	if sc.ProblemStatement != "" {
		fmt.Fprintf(&b, "\nProblem statement:\n%s\n", sc.ProblemStatement)
	}
	if sc.Notes != "" {
		fmt.Fprintf(&b, "\nSession notes:\n%s\n", sc.Notes)
	}
	b.WriteString("\nDesign document (JSON):\n")
	b.Write(document)
	return b.String(), nil
}

// extractJSON tolerates models that wrap the object in a markdown fence.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, errors.New("model returned invalid JSON")
	}
	return json.RawMessage(trimmed), nil
}

// Disabled is the Deriver used when no API key is configured.
type Disabled struct{}

func (Disabled) Derive(context.Context, Operation, json.RawMessage, Context) (json.RawMessage, error) {
	return nil, ErrDisabled
}
