package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	cairn "github.com/go-cairn/cairn"
)

const (
	// defaultRetryBase is the backoff unit for embed retries: an entry
	// that failed on delivery attempt n is republished after base << n.
	defaultRetryBase = 30 * time.Second
	// defaultMaxAttempts caps embed retries. Entries at or past the cap
	// are dropped.
	defaultMaxAttempts = 3
)

// Messages matching none of these lists are treated as permanent.
var (
	nonRetryableMarkers = []string{
		"invalid", "bad request", "unauthorized", "not found", "400", "404",
		"validation", "schema",
	}
	retryableMarkers = []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"failed to establish connection", "network", "throttle", "rate limit",
		"too many requests", "service unavailable", "internal server error",
		"503", "500", "temporarily unavailable", "overloaded", "try again",
		"resource exhausted",
	}
)

// isRetryable classifies an embed failure by its message. Permanent markers
// win over transient ones when both appear.
func isRetryable(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range nonRetryableMarkers {
		if strings.Contains(m, s) {
			return false
		}
	}
	for _, s := range retryableMarkers {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// Reprocessor drains the dead-letter queue. Parse errors and malformed
// entries are counted and dropped; embed errors with a transient cause are
// republished to the content queue with exponential delay until the attempt
// cap. Every DLQ delivery is acknowledged regardless of the decision.
type Reprocessor struct {
	dlq cairn.DeadLetterQueue
	pub cairn.Publisher

	receiveMax  int
	receiveWait time.Duration
	retryBase   time.Duration
	maxAttempts uint32

	counter cairn.Counter
	logger  *slog.Logger
}

// ReprocessorOption configures a Reprocessor.
type ReprocessorOption func(*Reprocessor)

// ReprocessorReceiveWindow sets how many entries one Receive may return and
// how long it may block waiting for them.
func ReprocessorReceiveWindow(max int, wait time.Duration) ReprocessorOption {
	return func(r *Reprocessor) {
		if max > 0 {
			r.receiveMax = max
		}
		if wait > 0 {
			r.receiveWait = wait
		}
	}
}

// ReprocessorRetryBase sets the backoff unit for embed retries.
func ReprocessorRetryBase(d time.Duration) ReprocessorOption {
	return func(r *Reprocessor) {
		if d > 0 {
			r.retryBase = d
		}
	}
}

// ReprocessorMaxAttempts sets the delivery attempt cap for embed retries.
func ReprocessorMaxAttempts(n uint32) ReprocessorOption {
	return func(r *Reprocessor) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// ReprocessorCounter sets the metrics counter.
func ReprocessorCounter(c cairn.Counter) ReprocessorOption {
	return func(r *Reprocessor) { r.counter = c }
}

// ReprocessorLogger sets the logger.
func ReprocessorLogger(l *slog.Logger) ReprocessorOption {
	return func(r *Reprocessor) { r.logger = l }
}

// NewReprocessor builds a Reprocessor that drains dlq and schedules retries
// through pub.
func NewReprocessor(dlq cairn.DeadLetterQueue, pub cairn.Publisher, opts ...ReprocessorOption) *Reprocessor {
	r := &Reprocessor{
		dlq:         dlq,
		pub:         pub,
		receiveMax:  defaultReceiveMax,
		receiveWait: defaultReceiveWait,
		retryBase:   defaultRetryBase,
		maxAttempts: defaultMaxAttempts,
		counter:     cairn.NopCounter(),
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the DLQ until ctx is done, then returns nil.
func (r *Reprocessor) Run(ctx context.Context) error {
	r.logger.Info("dlq reprocessor started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dlq reprocessor stopped")
			return nil
		default:
		}
		if _, err := r.DrainOnce(ctx); err != nil {
			if ctx.Err() == nil {
				r.logger.Error("dlq receive failed", "error", err)
				_ = pause(ctx, r.receiveWait)
			}
		}
	}
}

// DrainOnce receives one window of DLQ entries, decides each, and returns
// how many were handled.
func (r *Reprocessor) DrainOnce(ctx context.Context) (int, error) {
	msgs, err := r.dlq.Receive(ctx, r.receiveMax, r.receiveWait)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		r.decide(ctx, cairn.ParseDLQEntry(msg.Body))
		r.ack(ctx, msg.ID)
	}
	return len(msgs), nil
}

func (r *Reprocessor) decide(ctx context.Context, entry cairn.DLQEntry) {
	switch entry.Kind {
	case cairn.DLQParseError:
		r.counter.Add(ctx, "parsing_errors_processed", 1)
		r.logger.Info("parse error dropped",
			"error", entry.Error,
			"contentId", jsonField(entry.OriginalMessage, "id"),
			"userId", jsonField(entry.OriginalMessage, "userId"),
		)
	case cairn.DLQEmbedError:
		r.decideEmbed(ctx, entry)
	default:
		r.counter.Add(ctx, "messages_malformed", 1)
		r.logger.Warn("malformed dead letter dropped", "raw", clipRaw(entry.Raw))
	}
}

func (r *Reprocessor) decideEmbed(ctx context.Context, entry cairn.DLQEntry) {
	log := r.logger.With("contentId", entry.Job.ID, "attempts", entry.Attempts)
	if !isRetryable(entry.Err) {
		log.Warn("embed error not retryable, dropping", "error", entry.Err)
		return
	}
	if entry.Attempts >= r.maxAttempts {
		log.Warn("embed error exhausted retries, dropping", "error", entry.Err)
		return
	}
	delay := r.retryBase << entry.Attempts
	if err := r.pub.PublishAfter(ctx, *entry.Job, delay, entry.Attempts); err != nil {
		log.Error("retry publish failed", "error", err)
		return
	}
	log.Info("embed error scheduled for retry", "delay", delay, "error", entry.Err)
}

// ack runs on a detached context so shutdown cannot leave a decided entry
// pending for redelivery.
func (r *Reprocessor) ack(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.dlq.Ack(actx, id); err != nil {
		r.logger.Warn("dlq ack failed", "id", id, "error", err)
	}
}

// jsonField pulls one string field out of raw JSON, best-effort.
func jsonField(raw []byte, key string) string {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func clipRaw(raw []byte) string {
	const limit = 200
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
