package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cairn "github.com/go-cairn/cairn"
)

const braveResponse = `{
	"web": {
		"results": [
			{"title": "Go Blog", "url": "https://go.dev/blog", "description": "News from the Go project"},
			{"title": "Go Wiki", "url": "https://go.dev/wiki", "description": "Community wiki"}
		]
	}
}`

func TestExecuteFormatsResults(t *testing.T) {
	var gotToken, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(braveResponse))
	}))
	defer srv.Close()

	tool := New("test-key", WithBaseURL(srv.URL))
	out, err := tool.Execute(context.Background(), map[string]any{"query": "golang news"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotToken != "test-key" {
		t.Errorf("token header = %q, want test-key", gotToken)
	}
	if gotQuery != "golang news" {
		t.Errorf("query param = %q, want golang news", gotQuery)
	}
	for _, want := range []string{`Results for "golang news":`, "[1] Go Blog", "https://go.dev/blog", "News from the Go project", "[2] Go Wiki"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExecuteNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer srv.Close()

	tool := New("test-key", WithBaseURL(srv.URL))
	out, err := tool.Execute(context.Background(), map[string]any{"query": "zxqv"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `No results found for "zxqv".` {
		t.Errorf("output = %q", out)
	}
}

func TestExecuteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tool := New("test-key", WithBaseURL(srv.URL))
	_, err := tool.Execute(context.Background(), map[string]any{"query": "golang"})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if cairn.KindOf(err) != cairn.KindTransport {
		t.Errorf("kind = %s, want %s", cairn.KindOf(err), cairn.KindTransport)
	}
}

func TestExecuteNoAPIKey(t *testing.T) {
	tool := New("")
	_, err := tool.Execute(context.Background(), map[string]any{"query": "golang"})
	if err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	tool := New("test-key")
	_, err := tool.Execute(context.Background(), map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "empty query") {
		t.Errorf("expected empty query error, got %v", err)
	}
}

func TestFormatResultsTrimsTrailingBlank(t *testing.T) {
	out := formatResults("q", []Result{{Title: "T", URL: "u", Snippet: "s"}})
	if strings.HasSuffix(out, "\n") {
		t.Errorf("output ends with newline: %q", out)
	}
}
