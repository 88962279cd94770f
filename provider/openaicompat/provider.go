// Package openaicompat implements the chat and embedding providers for any
// OpenAI-compatible API: OpenAI itself, OpenRouter, Groq, Together,
// DeepSeek, Mistral, Ollama, vLLM, LM Studio, Azure OpenAI.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	cairn "github.com/go-cairn/cairn"
)

// Provider implements cairn.Provider against the chat completions endpoint.
// The zero http.Client carries no timeout of its own: request deadlines come
// from the caller's context.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName sets the name reported by Name() (default "openai"). Use it to
// tell providers apart in logs and spans.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client, e.g. for proxies or pooling.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// NewProvider creates a chat provider. baseURL is the API base, e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1"; the
// /chat/completions path is appended per request.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request and returns the parsed response.
func (p *Provider) Chat(ctx context.Context, req cairn.ChatRequest) (cairn.ChatResponse, error) {
	resp, err := p.send(ctx, buildBody(req, p.model, false))
	if err != nil {
		return cairn.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cairn.ChatResponse{}, httpErr(resp)
	}
	var wire chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return cairn.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return parseResponse(wire), nil
}

// ChatStream streams content deltas into ch and returns the accumulated
// response. ch is closed before returning, on success and on error alike.
func (p *Provider) ChatStream(ctx context.Context, req cairn.ChatRequest, ch chan<- string) (cairn.ChatResponse, error) {
	resp, err := p.send(ctx, buildBody(req, p.model, true))
	if err != nil {
		close(ch)
		return cairn.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return cairn.ChatResponse{}, httpErr(resp)
	}
	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) send(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr turns a non-2xx response into an ErrHTTP so retry middleware can
// classify it and honor Retry-After.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &cairn.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: cairn.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ cairn.Provider = (*Provider)(nil)
