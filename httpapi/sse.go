package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	cairn "github.com/go-cairn/cairn"
)

// sseWriter serializes run events onto an http.ResponseWriter as
// server-sent events, flushing after each one so tokens reach the client
// as they are produced. Writes to a disconnected client are silently
// discarded; callers watch the request context instead.
type sseWriter struct {
	w  http.ResponseWriter
	f  http.Flusher
	mu sync.Mutex // protects writes
}

// newSSEWriter prepares w for an event stream and sends the stream
// headers. It fails when the ResponseWriter cannot flush, which rules out
// streaming entirely.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, &cairn.Error{Kind: cairn.KindInternal, Message: "response writer does not support streaming"}
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &sseWriter{w: w, f: f}, nil
}

// Send writes one named event followed by a flush. The payload is the
// event's JSON form; the event name travels in the SSE event field, not
// the payload.
func (s *sseWriter) Send(ev cairn.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		// Event payloads are plain structs; only a programmer error gets here.
		data = []byte("{}")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data)
	s.f.Flush()
}
