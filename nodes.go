package cairn

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Node names of the retrieval graph. Event consumers see these verbatim
// in workflow_step payloads.
const (
	NodeSplitRewrite   = "split_rewrite"
	NodeRetrieve       = "retrieve"
	NodeDynamicWiden   = "dynamic_widen"
	NodeToolRoute      = "tool_route"
	NodeRunTool        = "run_tool"
	NodeGenerateAnswer = "generate_answer"
)

const (
	// DefaultTopK is the retrieval depth when the request does not set
	// MaxContextItems.
	DefaultTopK = 10
	// MaxWidenTopK caps the retrieval depth reached by widening.
	MaxWidenTopK = 50
	// DefaultWidenThreshold is the doc count below which widening kicks in.
	DefaultWidenThreshold = 3
	// DefaultMaxWidening bounds the retrieve/widen loop.
	DefaultMaxWidening = 2
)

// QueryText returns the query the downstream nodes should act on: the
// rewritten query when one exists, the original otherwise.
func (t Tasks) QueryText() string {
	if t.RewrittenQuery != "" {
		return t.RewrittenQuery
	}
	return t.OriginalQuery
}

// --- split_rewrite ---

const rewriteInstruction = "Rewrite the user's question as one clear, self-contained search query. Reply with the rewritten query only, no explanation."

// deictics are words that leave a short query underspecified without the
// surrounding conversation.
var deictics = map[string]bool{
	"it": true, "this": true, "that": true, "these": true, "those": true,
	"they": true, "them": true, "he": true, "she": true, "him": true,
	"her": true, "there": true, "one": true,
}

// needsRewrite reports whether the query is short and deictic, or carries
// multi-part intent.
func needsRewrite(query string) bool {
	if strings.Contains(strings.ToLower(query), " and ") {
		return true
	}
	if strings.Count(query, "?") > 1 {
		return true
	}
	words := strings.Fields(query)
	if len(words) >= 12 {
		return false
	}
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:'\""))
		if deictics[w] {
			return true
		}
	}
	return false
}

// splitRewrite copies the last user message into the task set and, for
// short, deictic, or multi-part queries, asks the model for a
// self-contained rewrite. Any rewrite failure falls back to the original
// query; this node never fails the run.
func (r *RAG) splitRewrite(ctx context.Context, state *AgentState) (*AgentState, error) {
	msg, ok := state.LastUserMessage()
	if !ok {
		return state, nil
	}
	state.Tasks.OriginalQuery = msg.Content
	if !needsRewrite(msg.Content) {
		return state, nil
	}

	res, err := r.caller.Call(ctx, []Message{
		SystemMessage(rewriteInstruction),
		UserMessage(msg.Content),
	}, state.Options)
	if err != nil {
		return state, err
	}
	if res.FellBack {
		state.RecordError(NodeSplitRewrite, res.Err)
		r.logger.Warn("query rewrite failed, keeping original", "runId", state.RunID, "error", res.Err)
		return state, nil
	}
	rewritten := strings.TrimSpace(res.Text)
	// A rewrite that balloons or vanishes is worse than the original.
	if rewritten == "" || len(rewritten) > 4*len(msg.Content)+80 {
		return state, nil
	}
	state.Tasks.RewrittenQuery = rewritten
	r.logger.Debug("query rewritten", "runId", state.RunID, "query", rewritten)
	return state, nil
}

// --- retrieve ---

// effectiveTopK resolves the retrieval depth for this pass: the widened
// value when set, the request's MaxContextItems otherwise.
func effectiveTopK(state *AgentState) int {
	if state.Tasks.TopK > 0 {
		return state.Tasks.TopK
	}
	if state.Options.MaxContextItems > 0 {
		return state.Options.MaxContextItems
	}
	return DefaultTopK
}

// retrieve embeds the query, searches the vector index scoped to the
// requesting user, and hydrates matches into docs sorted by score. It
// finishes by computing Tasks.NeedsWidening for the router. Retrieval
// errors degrade to an empty doc set; they never fail the run.
func (r *RAG) retrieve(ctx context.Context, state *AgentState) (*AgentState, error) {
	state.Docs = nil
	if !state.Options.EnhanceWithContext {
		state.Tasks.NeedsWidening = false
		return state, nil
	}

	topK := effectiveTopK(state)
	matches, err := r.search(ctx, state.Tasks.QueryText(), state.UserID, topK)
	if err != nil {
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		state.RecordError(NodeRetrieve, err)
		r.logger.Warn("retrieval failed, continuing without context",
			"runId", state.RunID,
			"error", err)
		// Widening re-runs the same failing backend, so skip it.
		state.Tasks.NeedsWidening = false
		return state, nil
	}

	state.Docs = r.hydrate(ctx, matches, topK)
	state.Tasks.NeedsWidening = len(state.Docs) < r.widenThreshold &&
		int(state.Tasks.WideningAttempts) < r.maxWidening
	r.logger.Debug("retrieval complete",
		"runId", state.RunID,
		"topK", topK,
		"docs", len(state.Docs))
	return state, nil
}

// search embeds the query text and runs the filtered index query.
func (r *RAG) search(ctx context.Context, query, userID string, topK int) ([]VectorMatch, error) {
	vecs, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, &Error{Kind: KindEmbedding, Message: "query embedding returned no vector"}
	}
	return r.index.Query(ctx, vecs[0], Filter{UserID: userID}, topK)
}

// hydrate turns chunk-level matches into content-level docs: matches are
// deduplicated by content id keeping the best-scoring chunk, bodies come
// from the content store, and the result is sorted by score descending and
// trimmed to topK. Content that vanished since indexing is skipped.
func (r *RAG) hydrate(ctx context.Context, matches []VectorMatch, topK int) []Doc {
	type best struct {
		match VectorMatch
		order int
	}
	seen := make(map[string]best, len(matches))
	for i, m := range matches {
		if m.Meta.ContentID == "" {
			continue
		}
		if prev, ok := seen[m.Meta.ContentID]; ok && prev.match.Score >= m.Score {
			continue
		}
		seen[m.Meta.ContentID] = best{match: m, order: i}
	}

	docs := make([]Doc, 0, len(seen))
	for contentID, b := range seen {
		doc := Doc{
			ID:        contentID,
			Score:     b.match.Score,
			SourceRef: b.match.ID,
		}
		if b.match.Meta.CreatedAt > 0 {
			doc.CreatedAt = time.Unix(b.match.Meta.CreatedAt, 0).UTC()
		}
		if r.contents != nil {
			item, err := r.contents.Fetch(ctx, contentID)
			if err != nil {
				r.logger.Warn("skipping doc, content fetch failed",
					"contentId", contentID,
					"error", err)
				continue
			}
			doc.Title = item.Title
			doc.Body = item.Body
		}
		docs = append(docs, doc)
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}

// --- routeAfterRetrieve ---

// toolPatterns routes queries to tools. Order matters: the first matching
// pattern decides, so the most specific patterns come first.
var toolPatterns = []struct {
	tool string
	re   *regexp.Regexp
}{
	{"calculator", regexp.MustCompile(`(?i)\b(?:calculate|compute|what is)\b.*\d|\d+(?:\.\d+)?\s*[-+*/^%]\s*\d`)},
	{"calendar", regexp.MustCompile(`(?i)\b(?:today'?s date|what (?:day|date) is it|calendar|schedule|appointment)\b`)},
	{"weather", regexp.MustCompile(`(?i)\b(?:weather|temperature|forecast|rain|snow|humidity)\b`)},
	{"web_search", regexp.MustCompile(`(?i)\b(?:search(?:\s+the\s+web)?\s+for|look up|find out|latest|news|current events)\b`)},
}

// matchTools returns the tools whose pattern matches the query, in table
// order.
func matchTools(query string) []string {
	var tools []string
	for _, p := range toolPatterns {
		if p.re.MatchString(query) {
			tools = append(tools, p.tool)
		}
	}
	return tools
}

// routeAfterRetrieve decides where control goes after a retrieval pass:
// widening when the pass flagged it, tool routing when the query matches a
// tool pattern, the answer otherwise.
func (r *RAG) routeAfterRetrieve(state *AgentState) string {
	if state.Tasks.NeedsWidening {
		return NodeDynamicWiden
	}
	if tools := matchTools(state.Tasks.QueryText()); len(tools) > 0 {
		state.Tasks.RequiredTools = tools
		return NodeToolRoute
	}
	return NodeGenerateAnswer
}

// --- dynamic_widen ---

// dynamicWiden doubles the retrieval depth (capped) when the last pass
// found too few docs and attempts remain. Exhaustion clears the widening
// flag so the run proceeds with whatever was found.
func (r *RAG) dynamicWiden(_ context.Context, state *AgentState) (*AgentState, error) {
	if len(state.Docs) < r.widenThreshold && int(state.Tasks.WideningAttempts) < r.maxWidening {
		next := min(effectiveTopK(state)*2, MaxWidenTopK)
		state.Tasks.TopK = next
		state.Tasks.WideningAttempts++
		state.Tasks.NeedsWidening = true
		r.logger.Info("widening retrieval",
			"runId", state.RunID,
			"topK", next,
			"attempt", state.Tasks.WideningAttempts)
		return state, nil
	}
	state.Tasks.NeedsWidening = false
	return state, nil
}

// routeAfterWiden loops back to retrieve while widening is in flight.
func (r *RAG) routeAfterWiden(state *AgentState) string {
	if state.Tasks.NeedsWidening {
		return NodeRetrieve
	}
	return NodeGenerateAnswer
}

// --- tool_route ---

var (
	// calcExpr matches an arithmetic expression: digits joined by at
	// least one operator.
	calcExpr = regexp.MustCompile(`\d[\d\s.]*(?:[-+*/^%]\s*\(?\s*\d[\d\s.]*\)?)+`)
	// locationExpr captures the place name after a preposition.
	locationExpr = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([a-zA-Z][a-zA-Z\s,.'-]*)`)
)

// extractParams derives tool parameters from the query. ok is false when
// the query does not yield the parameters the tool needs.
func extractParams(tool, query string) (map[string]any, bool) {
	switch tool {
	case "calculator":
		expr := strings.TrimSpace(calcExpr.FindString(query))
		if expr == "" || !strings.ContainsAny(expr, "+-*/^%") {
			return nil, false
		}
		return map[string]any{"expression": expr}, true
	case "weather":
		m := locationExpr.FindStringSubmatch(query)
		if m == nil {
			return nil, false
		}
		location := strings.TrimRight(strings.TrimSpace(m[1]), " .,?!")
		if location == "" {
			return nil, false
		}
		return map[string]any{"location": location}, true
	case "calendar", "web_search":
		q := strings.TrimSpace(query)
		if q == "" {
			return nil, false
		}
		return map[string]any{"query": q}, true
	default:
		return nil, false
	}
}

// toolRoute picks exactly one runnable tool from the required set and
// extracts its parameters from the query. When no candidate is registered
// or its parameters cannot be derived, the run skips straight to the
// answer; ambiguity is never fatal.
func (r *RAG) toolRoute(_ context.Context, state *AgentState) (*AgentState, error) {
	state.Tasks.ToolToRun = ""
	state.Tasks.ToolParameters = nil
	query := state.Tasks.QueryText()
	for _, name := range state.Tasks.RequiredTools {
		if _, ok := r.tools.Get(name); !ok {
			continue
		}
		params, ok := extractParams(name, query)
		if !ok {
			r.logger.Debug("tool parameters not derivable, trying next",
				"runId", state.RunID,
				"tool", name)
			continue
		}
		state.Tasks.ToolToRun = name
		state.Tasks.ToolParameters = params
		return state, nil
	}
	r.logger.Debug("no runnable tool, skipping to answer", "runId", state.RunID)
	return state, nil
}

// routeAfterToolRoute runs the chosen tool, or skips to the answer when
// routing came up empty.
func (r *RAG) routeAfterToolRoute(state *AgentState) string {
	if state.Tasks.ToolToRun != "" {
		return NodeRunTool
	}
	return NodeGenerateAnswer
}
