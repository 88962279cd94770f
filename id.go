package cairn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562) for
// a graph run. Stable across resumes: clients pass it back to continue.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTraceID generates an id correlating all spans and log lines of one run.
func NewTraceID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// VectorID builds the deterministic index id for one chunk of one content
// item: "content:{contentId}:{chunkIndex}". Determinism is what makes
// pipeline re-runs idempotent.
func VectorID(contentID string, chunkIndex uint32) string {
	return fmt.Sprintf("content:%s:%d", contentID, chunkIndex)
}

// ParseVectorID splits a vector id back into content id and chunk index.
// The content id itself may contain colons; the chunk index is everything
// after the last one.
func ParseVectorID(id string) (contentID string, chunkIndex uint32, err error) {
	rest, ok := strings.CutPrefix(id, "content:")
	if !ok {
		return "", 0, fmt.Errorf("vector id %q: missing content: prefix", id)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("vector id %q: missing chunk index", id)
	}
	n, convErr := strconv.ParseUint(rest[i+1:], 10, 32)
	if convErr != nil {
		return "", 0, fmt.Errorf("vector id %q: bad chunk index: %v", id, convErr)
	}
	return rest[:i], uint32(n), nil
}
