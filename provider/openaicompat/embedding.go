package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cairn "github.com/go-cairn/cairn"
)

// Embedding implements cairn.EmbeddingProvider against the embeddings
// endpoint. A single request embeds the whole input slice; retry and batch
// windowing live in cairn.BatchEmbedder above this.
type Embedding struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
	name    string
}

// EmbeddingOption configures an Embedding.
type EmbeddingOption func(*Embedding)

// EmbeddingName sets the name reported by Name() (default "openai").
func EmbeddingName(name string) EmbeddingOption {
	return func(e *Embedding) { e.name = name }
}

// EmbeddingHTTPClient sets a custom HTTP client.
func EmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.client = c }
}

// NewEmbedding creates an embedding provider. dims is the vector size the
// model produces and is sent as the "dimensions" request field, which lets
// models with configurable output shrink to the index width.
func NewEmbedding(apiKey, model, baseURL string, dims int, opts ...EmbeddingOption) *Embedding {
	e := &Embedding{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		dims:    dims,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.name }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

type embedBody struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []embedDatum `json:"data"`
}

type embedDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per input text, in input order. The API may
// return data entries out of order, so results are placed by index.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embedBody{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal embed request: %w", e.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build embed request: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}
	var wire embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%s: decode embed response: %w", e.name, err)
	}
	if len(wire.Data) != len(texts) {
		return nil, fmt.Errorf("%s: embed response has %d vectors for %d inputs", e.name, len(wire.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range wire.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s: embed response index %d out of range", e.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("%s: embed response missing vector for input %d", e.name, i)
		}
	}
	return out, nil
}

var _ cairn.EmbeddingProvider = (*Embedding)(nil)
