package cairn

import (
	"context"
	"time"
)

// QueueMessage is one raw delivery from a durable queue. ID is the
// broker-assigned delivery id used to acknowledge; Attempts is the 1-based
// delivery count maintained by the broker (redeliveries increment it).
type QueueMessage struct {
	ID       string
	Body     []byte
	Attempts uint32
}

// Queue is the consumer side of the new-content queue. Delivery is
// at-least-once: a message stays pending until acknowledged and is
// redelivered after its visibility window expires.
type Queue interface {
	// Receive blocks for up to wait and returns up to max pending
	// messages. An empty slice with nil error means the wait elapsed.
	Receive(ctx context.Context, max int, wait time.Duration) ([]QueueMessage, error)
	// Ack marks messages as processed so they are never redelivered.
	Ack(ctx context.Context, ids ...string) error
}

// Publisher is the producer side of the new-content queue.
type Publisher interface {
	// Publish enqueues an event for immediate delivery.
	Publish(ctx context.Context, event ContentEvent) error
	// PublishAfter enqueues an event for delivery once delay has elapsed.
	// attempts is the delivery count the event has already accumulated;
	// the queue counts onward from it, so a job that fails again after a
	// scheduled retry dead-letters with a higher count instead of
	// restarting at one. The DLQ reprocessor uses this to schedule
	// backoff retries.
	PublishAfter(ctx context.Context, event ContentEvent, delay time.Duration, attempts uint32) error
}

// DeadLetterSink is what the embedding pipeline writes failures to. Publish
// failures must never block or fail the pipeline; callers log and move on.
type DeadLetterSink interface {
	Publish(ctx context.Context, entry DLQEntry) error
}

// DeadLetterQueue is the full DLQ surface: the pipeline's sink plus the
// consumer side the reprocessor drains.
type DeadLetterQueue interface {
	DeadLetterSink
	Receive(ctx context.Context, max int, wait time.Duration) ([]QueueMessage, error)
	Ack(ctx context.Context, ids ...string) error
}
