package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cairn "github.com/go-cairn/cairn"
)

const defaultBaseURL = "https://api.search.brave.com/res/v1/web/search"

const schema = `{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "Search query optimized for search engines"
		}
	},
	"required": ["query"]
}`

// Result is one web search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

type client struct {
	apiKey  string
	baseURL string
	count   int
	http    *http.Client
}

type Option func(*client)

// WithBaseURL points the client at a different search endpoint. Tests use
// this to stand in a local server.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *client) { c.http = h }
}

// WithCount sets how many results to request.
func WithCount(n int) Option {
	return func(c *client) { c.count = n }
}

// New returns the web search tool backed by the Brave search API. An empty
// API key leaves the tool registered but failing, so the graph's fallback
// text answers search requests instead.
func New(apiKey string, opts ...Option) cairn.Tool {
	c := &client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		count:   5,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return cairn.Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Use for recent events, news, prices, or anything needing up-to-date data.",
		Schema:      schema,
		Execute: func(ctx context.Context, params map[string]any) (string, error) {
			query, _ := params["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return "", &cairn.Error{Kind: cairn.KindTool, Message: "web_search: empty query"}
			}
			results, err := c.search(ctx, query)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return fmt.Sprintf("No results found for %q.", query), nil
			}
			return formatResults(query, results), nil
		},
		Fallback: func(map[string]any, error) string {
			return "Web search is unavailable right now, so this could not be looked up online."
		},
	}
}

func (c *client) search(ctx context.Context, query string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, &cairn.Error{Kind: cairn.KindTool, Message: "web_search: no API key configured"}
	}

	u := fmt.Sprintf("%s?q=%s&count=%d", c.baseURL, url.QueryEscape(query), c.count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &cairn.Error{Kind: cairn.KindTransport, Message: "web_search: request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &cairn.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&data); err != nil {
		return nil, &cairn.Error{Kind: cairn.KindTool, Message: "web_search: bad response", Err: err}
	}

	results := make([]Result, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

func formatResults(query string, results []Result) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Results for %q:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(out.String(), "\n")
}
