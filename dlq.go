package cairn

import "encoding/json"

// DLQKind discriminates dead-letter entries. The set is closed: anything
// that does not decode to a known kind becomes DLQUnknown at the boundary.
type DLQKind string

const (
	// DLQParseError records a queue message that failed ContentEvent
	// decoding. Never retried.
	DLQParseError DLQKind = "parse_error"
	// DLQEmbedError records a job that failed during fetch, chunk, embed,
	// or upsert. Retried with backoff when the cause looks transient.
	DLQEmbedError DLQKind = "embed_error"
	// DLQUnknown records bytes that decode to no known entry shape.
	DLQUnknown DLQKind = "unknown"
)

// DLQEntry is one dead-letter record, a tagged union over the three kinds.
// Kind selects which fields are meaningful; the rest marshal away.
type DLQEntry struct {
	Kind DLQKind `json:"kind"`

	// parse_error
	Error           string `json:"error,omitempty"`
	OriginalMessage []byte `json:"originalMessage,omitempty"`

	// embed_error
	Err      string        `json:"err,omitempty"`
	Job      *ContentEvent `json:"job,omitempty"`
	Attempts uint32        `json:"attempts,omitempty"`

	// unknown
	Raw []byte `json:"raw,omitempty"`
}

// NewParseError builds the DLQ entry for a message that failed schema
// decoding. The original bytes are preserved for forensics.
func NewParseError(cause error, original []byte) DLQEntry {
	msg := "invalid content event"
	if cause != nil {
		msg = cause.Error()
	}
	return DLQEntry{
		Kind:            DLQParseError,
		Error:           msg,
		OriginalMessage: append([]byte(nil), original...),
	}
}

// NewEmbedError builds the DLQ entry for a job that failed mid-pipeline.
// attempts is the delivery count of the failed message; the reprocessor
// uses it for its backoff and cap decisions.
func NewEmbedError(cause error, job ContentEvent, attempts uint32) DLQEntry {
	msg := "embedding job failed"
	if cause != nil {
		msg = cause.Error()
	}
	return DLQEntry{
		Kind:     DLQEmbedError,
		Err:      msg,
		Job:      &job,
		Attempts: attempts,
	}
}

// ParseDLQEntry decodes raw dead-letter bytes. Undecodable bytes, unknown
// kinds, and entries missing their kind-required fields all collapse to
// DLQUnknown carrying the raw payload; malformed dead letters must never
// kill the reprocessor.
func ParseDLQEntry(raw []byte) DLQEntry {
	var entry DLQEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return unknownEntry(raw)
	}
	switch entry.Kind {
	case DLQParseError:
		return entry
	case DLQEmbedError:
		if entry.Job == nil {
			return unknownEntry(raw)
		}
		return entry
	default:
		return unknownEntry(raw)
	}
}

func unknownEntry(raw []byte) DLQEntry {
	return DLQEntry{Kind: DLQUnknown, Raw: append([]byte(nil), raw...)}
}
