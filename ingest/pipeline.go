package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	cairn "github.com/go-cairn/cairn"
)

var nopLogger = slog.New(slog.DiscardHandler)

const (
	// DefaultMaxChunksPerBatch bounds how many chunks are embedded per
	// window before the pipeline pauses.
	DefaultMaxChunksPerBatch = 50
	// DefaultMaxBodyLen caps the body length fed to preprocessing.
	DefaultMaxBodyLen = 100000

	defaultReceiveMax  = 10
	defaultReceiveWait = 5 * time.Second
	defaultChunkPause  = 50 * time.Millisecond
)

// contentEventSchema is the wire schema for queue messages. Unknown fields
// are tolerated so producers can grow the event without a lockstep deploy.
const contentEventSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"userId": {"type": "string"},
		"category": {"type": "string"},
		"mimeType": {"type": "string"},
		"createdAt": {"type": "integer"},
		"version": {"type": "integer", "minimum": 0},
		"deleted": {"type": "boolean"}
	}
}`

var eventSchema = jsonschema.MustCompileString("content-event.json", contentEventSchema)

// Pipeline is the queue consumer that turns content events into vectors:
// fetch body, preprocess by mime type, chunk, embed, upsert. Failures per
// job go to the dead-letter queue; the consumer itself keeps running.
type Pipeline struct {
	queue    cairn.Queue
	store    cairn.ContentStore
	embedder *cairn.BatchEmbedder
	index    *cairn.Index
	dlq      cairn.DeadLetterSink

	chunker *Chunker
	pre     *Preprocessor

	receiveMax  int
	receiveWait time.Duration
	maxChunks   int
	chunkPause  time.Duration
	maxBodyLen  int

	logger *slog.Logger
	tracer cairn.Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// PipelineChunker replaces the default chunker.
func PipelineChunker(c *Chunker) PipelineOption {
	return func(p *Pipeline) { p.chunker = c }
}

// PipelinePreprocessor replaces the default preprocessor.
func PipelinePreprocessor(pre *Preprocessor) PipelineOption {
	return func(p *Pipeline) { p.pre = pre }
}

// PipelineReceiveWindow sets how many messages one Receive may return and
// how long it may block waiting for them.
func PipelineReceiveWindow(max int, wait time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if max > 0 {
			p.receiveMax = max
		}
		if wait > 0 {
			p.receiveWait = wait
		}
	}
}

// PipelineChunkWindow sets the embed window size and the pause between
// windows.
func PipelineChunkWindow(n int, pause time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxChunks = n
		}
		if pause >= 0 {
			p.chunkPause = pause
		}
	}
}

// PipelineBodyLimit sets the body truncation cap in bytes.
func PipelineBodyLimit(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBodyLen = n
		}
	}
}

// PipelineLogger sets the logger.
func PipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// PipelineTracer enables per-job tracing.
func PipelineTracer(t cairn.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline builds the embedding pipeline around its five collaborators.
func NewPipeline(queue cairn.Queue, store cairn.ContentStore, embedder *cairn.BatchEmbedder, index *cairn.Index, dlq cairn.DeadLetterSink, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		queue:       queue,
		store:       store,
		embedder:    embedder,
		index:       index,
		dlq:         dlq,
		chunker:     NewChunker(),
		pre:         NewPreprocessor(),
		receiveMax:  defaultReceiveMax,
		receiveWait: defaultReceiveWait,
		maxChunks:   DefaultMaxChunksPerBatch,
		chunkPause:  defaultChunkPause,
		maxBodyLen:  DefaultMaxBodyLen,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes the content queue until ctx is done, then returns nil.
// Receive errors are logged and retried after a wait so a flapping broker
// cannot spin the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("embedding pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("embedding pipeline stopped")
			return nil
		default:
		}
		msgs, err := p.queue.Receive(ctx, p.receiveMax, p.receiveWait)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("queue receive failed", "error", err)
				_ = pause(ctx, p.receiveWait)
			}
			continue
		}
		if len(msgs) > 0 {
			p.ProcessBatch(ctx, msgs)
		}
	}
}

// ProcessBatch handles one queue delivery. Messages that fail schema
// decoding go to the DLQ as parse errors and are acknowledged; valid events
// are acknowledged exactly once up front and then processed, with failures
// recorded as embed errors. A bad job never fails the rest of the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, msgs []cairn.QueueMessage) {
	for _, msg := range msgs {
		ev, err := decodeEvent(msg.Body)
		if err != nil {
			p.logger.Warn("content event rejected", "error", err)
			p.deadLetter(ctx, cairn.NewParseError(err, msg.Body))
			p.ack(ctx, msg.ID)
			continue
		}
		p.ack(ctx, msg.ID)
		if err := p.processJob(ctx, ev); err != nil {
			p.logger.Error("embedding job failed",
				"contentId", ev.ID, "attempts", msg.Attempts, "error", err)
			p.deadLetter(ctx, cairn.NewEmbedError(err, ev, msg.Attempts))
		}
	}
}

func (p *Pipeline) processJob(ctx context.Context, ev cairn.ContentEvent) (err error) {
	if p.tracer != nil {
		var span cairn.Span
		ctx, span = p.tracer.Start(ctx, "pipeline.job",
			cairn.StringAttr("content.id", ev.ID),
			cairn.StringAttr("content.mime", ev.MimeType),
		)
		defer func() {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	log := p.logger.With("contentId", ev.ID, "userId", ev.Owner())
	if ev.Deleted {
		log.Info("content deleted, skipping")
		return nil
	}

	item, err := p.store.Fetch(ctx, ev.ID)
	if err != nil {
		if cairn.KindOf(err) == cairn.KindNotFound {
			log.Warn("content missing, skipping")
			return nil
		}
		return fmt.Errorf("fetch content: %w", err)
	}

	body := item.Body
	if strings.TrimSpace(body) == "" {
		log.Warn("content has empty body, skipping")
		return nil
	}
	if len(body) > p.maxBodyLen {
		cut := p.maxBodyLen
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		log.Warn("content body truncated", "len", len(body), "cap", p.maxBodyLen)
		body = body[:cut]
	}

	mime := ev.MimeType
	if mime == "" {
		mime = item.MimeType
	}
	chunks := p.chunker.Process(p.pre.Process(mime, body))
	if len(chunks) == 0 {
		log.Warn("no chunks produced, skipping")
		return nil
	}

	records, err := p.embedChunks(ctx, ev, chunks)
	if err != nil {
		return err
	}
	if err := p.index.Upsert(ctx, records); err != nil {
		return fmt.Errorf("upsert %d vectors: %w", len(records), err)
	}
	log.Info("content indexed", "chunks", len(chunks))
	return nil
}

// embedChunks embeds chunks in windows of maxChunks with a pause between
// windows, and assigns each vector its deterministic id from the global
// chunk index so re-runs overwrite rather than duplicate.
func (p *Pipeline) embedChunks(ctx context.Context, ev cairn.ContentEvent, chunks []string) ([]cairn.VectorRecord, error) {
	meta := cairn.VectorMeta{
		UserID:    ev.Owner(),
		ContentID: ev.ID,
		Category:  ev.Category,
		MimeType:  ev.MimeType,
		CreatedAt: ev.CreatedAt,
		Version:   ev.Version,
	}
	records := make([]cairn.VectorRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.maxChunks {
		if start > 0 {
			if err := pause(ctx, p.chunkPause); err != nil {
				return nil, err
			}
		}
		window := chunks[start:min(start+p.maxChunks, len(chunks))]
		vecs, err := p.embedder.Embed(ctx, window)
		if err != nil {
			return nil, fmt.Errorf("embed window at %d: %w", start, err)
		}
		for i, vec := range vecs {
			records = append(records, cairn.VectorRecord{
				ID:     cairn.VectorID(ev.ID, uint32(start+i)),
				Values: vec,
				Meta:   meta,
			})
		}
	}
	return records, nil
}

// deadLetter publishes on a detached context so cancellation of the
// consumer does not drop failure records for already-acked messages.
func (p *Pipeline) deadLetter(ctx context.Context, entry cairn.DLQEntry) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.dlq.Publish(pctx, entry); err != nil {
		p.logger.Error("dead letter publish failed", "kind", string(entry.Kind), "error", err)
	}
}

func (p *Pipeline) ack(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(actx, id); err != nil {
		p.logger.Warn("ack failed, message will redeliver", "id", id, "error", err)
	}
}

// decodeEvent validates raw bytes against the content event schema and
// decodes them.
func decodeEvent(raw []byte) (cairn.ContentEvent, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cairn.ContentEvent{}, fmt.Errorf("decode content event: %w", err)
	}
	if err := eventSchema.Validate(doc); err != nil {
		return cairn.ContentEvent{}, fmt.Errorf("content event schema: %w", err)
	}
	var ev cairn.ContentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return cairn.ContentEvent{}, fmt.Errorf("decode content event: %w", err)
	}
	return ev, nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
