package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// openCodeRequest is a custom request struct to ensure stream:false is
// serialized. openai.ChatCompletionRequest has omitempty on Stream, which
// omits false values.
type openCodeRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Tools         []openai.Tool                  `json:"tools,omitempty"`
	Temperature   float32                        `json:"temperature,omitempty"`
	MaxTokens     int                            `json:"max_tokens,omitempty"`
	Stream        bool                           `json:"stream"` // NO omitempty - always serialize
	StreamOptions *chatStreamOptions             `json:"stream_options,omitempty"`
}

// openCodeResponse is the non-streaming chat completion response shape.
type openCodeResponse struct {
	Choices []struct {
		Message struct {
			Content   string                   `json:"content"`
			ToolCalls []chatCompletionToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage,omitempty"`
}

// OpenCodeProvider implements the Provider interface for OpenCode Zen.
type OpenCodeProvider struct {
	name        string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	model       string
	temperature float64
	maxTokens   int
}

var opencodeRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

const (
	opencodeChatCompletionsEndpoint = "/chat/completions"
	opencodeMessagesEndpoint        = "/messages"
	opencodeResponsesEndpoint       = "/responses"
)

var opencodeModelEndpoints = map[string]string{
	"big-pickle":                 opencodeChatCompletionsEndpoint,
	"gemini-3-pro":               "/models/gemini-3-pro",
	"gemini-3-flash":             "/models/gemini-3-flash",
	"glm-4.7-free":               opencodeChatCompletionsEndpoint,
	"gpt-5-nano":                 opencodeChatCompletionsEndpoint, // Using chat/completions despite docs saying /responses (500 errors)
	"kimi-k2.5-free":             opencodeChatCompletionsEndpoint,
	"minimax-m2.1-free":          opencodeMessagesEndpoint,
	"trinity-large-preview-free": opencodeChatCompletionsEndpoint,
}

// NewOpenCode creates a new OpenCode Zen provider.
func NewOpenCode(endpoint, model, apiKey string) *OpenCodeProvider {
	return NewOpenCodeWithTemp("opencode_zen", endpoint, model, apiKey, Options{Temperature: 0.7})
}

func NewOpenCodeWithTemp(name string, endpoint, model, apiKey string, opts Options) *OpenCodeProvider {
	return &OpenCodeProvider{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{},
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

// Name returns the provider identifier.
func (p *OpenCodeProvider) Name() string {
	return p.name
}

// ChatStream sends messages with optional tools and returns a channel of
// streaming events parsed from the OpenAI-compatible SSE stream.
func (p *OpenCodeProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	endpoint := opencodeEndpointForModel(p.model)
	if endpoint != opencodeChatCompletionsEndpoint {
		return nil, fmt.Errorf("opencode model %q does not support streaming via chat completions endpoint", p.model)
	}

	req := openCodeRequest{
		Model:         p.model,
		Messages:      mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:         toOpenAITools(tools),
		Temperature:   float32(p.temperature),
		MaxTokens:     p.maxTokens,
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + endpoint,
		body:     body,
		headers:  p.authHeaders(),
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseSSEStream(ctx, reader, ch)
	}()

	return ch, nil
}

// Complete is the non-streaming path, used by the agent loop as a fallback
// after a broken stream.
func (p *OpenCodeProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := openCodeRequest{
		Model:       p.model,
		Messages:    mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:       toOpenAITools(tools),
		Temperature: float32(p.temperature),
		MaxTokens:   p.maxTokens,
		Stream:      false,
	}

	decoded, err := p.createChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		log.Error().Str("provider", p.name).Msg("OpenCode returned empty choices array")
		return nil, errors.New("no response choices")
	}

	choice := decoded.Choices[0]
	result := &ChatResponse{Content: choice.Message.Content}
	if decoded.Usage != nil {
		result.InputTokens = decoded.Usage.PromptTokens
		result.OutputTokens = decoded.Usage.CompletionTokens
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

func (p *OpenCodeProvider) createChatCompletion(ctx context.Context, req openCodeRequest) (*openCodeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + opencodeEndpointForModel(p.model)

	// Retry on transient errors (rate limits, server outages).
	maxRetries := len(opencodeRetryDelays)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := opencodeRetryDelays[attempt-1]
			log.Warn().
				Str("provider", p.name).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying OpenCode request after transient error")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if attempt == 0 {
			log.Info().
				Str("provider", p.name).
				Str("model", req.Model).
				Int("message_count", len(req.Messages)).
				Int("tool_count", len(req.Tools)).
				Msg("OpenCode request started")
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range p.authHeaders() {
			httpReq.Header.Set(k, v)
		}

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			// Do not retry on context cancellation or timeout.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if isTransientStatus(resp.StatusCode) {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
			log.Warn().
				Str("provider", p.name).
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Msg("OpenCode retryable error")
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			payload, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, CompactError(strings.TrimSpace(string(payload)), 0))
		}

		bodyBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		var decoded openCodeResponse
		if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &decoded, nil
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

func opencodeEndpointForModel(model string) string {
	if endpoint, ok := opencodeModelEndpoints[model]; ok {
		return endpoint
	}

	switch {
	case strings.HasPrefix(model, "gpt-"):
		return opencodeResponsesEndpoint
	case strings.HasPrefix(model, "claude-"):
		return opencodeMessagesEndpoint
	default:
		return opencodeChatCompletionsEndpoint
	}
}

func (p *OpenCodeProvider) authHeaders() map[string]string {
	headers := make(map[string]string)
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers
}

// ListModels returns the statically known OpenCode Zen model list.
func (p *OpenCodeProvider) ListModels(ctx context.Context) ([]Model, error) {
	names := make([]string, 0, len(opencodeModelEndpoints))
	for name := range opencodeModelEndpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	models := make([]Model, len(names))
	for i, name := range names {
		models[i] = Model{Name: name}
	}
	return models, nil
}

// Close closes idle HTTP connections.
func (p *OpenCodeProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}
