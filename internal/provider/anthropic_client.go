package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements the Provider interface against the Anthropic
// Messages API, with prompt caching driven by CacheMark (see anthropic.go
// for the wire conversion) and a per-request completion budget clamped to
// the context window.
type AnthropicProvider struct {
	name         string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	model        string
	temperature  float64
	maxTokens    int
	contextLimit int
	bufferTokens int
}

// NewAnthropic creates an Anthropic provider. endpoint may be empty for the
// public API host.
func NewAnthropic(name, endpoint, apiKey, model string, opts Options) *AnthropicProvider {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		name:         name,
		baseURL:      strings.TrimRight(endpoint, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{},
		model:        model,
		temperature:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
		contextLimit: opts.ContextLimit,
		bufferTokens: opts.BufferTokens,
	}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

// buildRequest assembles an anthropicRequest with max_tokens clamped to the
// remaining context window.
func (p *AnthropicProvider) buildRequest(messages []Message, tools []Tool, stream bool) anthropicRequest {
	system, rest := toAnthropicMessages(messages)
	configured := p.maxTokens
	if configured == 0 {
		configured = 8192
	}
	return anthropicRequest{
		Model:       p.model,
		Messages:    rest,
		System:      system,
		MaxTokens:   ComputeMaxTokens(configured, p.contextLimit, EstimateTokens(messages, tools), p.bufferTokens),
		Temperature: p.temperature,
		Stream:      stream,
		Tools:       toAnthropicTools(tools),
	}
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// ChatStream sends messages with optional tools and returns a channel of
// streaming events parsed from the Messages API SSE stream.
func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/v1/messages",
		body:     body,
		headers:  p.headers(),
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
		parseAnthropicSSEStream(ctx, reader, ch)
	}()

	return ch, nil
}

// anthropicResponse is the non-streaming Messages API response shape.
type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete is the non-streaming fallback path used after a broken stream.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error) {
	body, err := json.Marshal(p.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("complete request status %d: %s", resp.StatusCode, CompactError(strings.TrimSpace(string(payload)), 0))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode complete response: %w", err)
	}

	out := &ChatResponse{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	return out, nil
}

// ListModels returns the configured model; the Anthropic API has no list
// endpoint worth a round trip at startup.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.model}}, nil
}

// Close closes idle HTTP connections.
func (p *AnthropicProvider) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

// AnthropicFactory builds AnthropicProviders from a provider config entry.
type AnthropicFactory struct {
	name     string
	endpoint string
	apiKey   string
}

func NewAnthropicFactory(name, endpoint, apiKey string) *AnthropicFactory {
	return &AnthropicFactory{name: name, endpoint: endpoint, apiKey: apiKey}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropic(f.name, f.endpoint, f.apiKey, model, opts)
}
