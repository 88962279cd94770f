package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cairn "github.com/go-cairn/cairn"
	"github.com/redis/go-redis/v9"
)

const (
	defaultDLQStream = "cairn:dlq"
	defaultDLQGroup  = "cairn-reprocessor"
)

// DeadLetter is the Redis Streams dead-letter queue: the pipeline publishes
// failure entries, the reprocessor drains them through a consumer group.
type DeadLetter struct {
	group
}

// DeadLetterOption configures a DeadLetter.
type DeadLetterOption func(*DeadLetter)

// DeadLetterStream overrides the stream key (default "cairn:dlq").
func DeadLetterStream(name string) DeadLetterOption {
	return func(d *DeadLetter) { d.stream = name }
}

// DeadLetterGroup overrides the consumer group name (default
// "cairn-reprocessor").
func DeadLetterGroup(name string) DeadLetterOption {
	return func(d *DeadLetter) { d.name = name }
}

// DeadLetterConsumer overrides the generated consumer name.
func DeadLetterConsumer(name string) DeadLetterOption {
	return func(d *DeadLetter) { d.consumer = name }
}

// DeadLetterVisibility sets how long a delivery may sit unacknowledged
// before reclaim (default 30s).
func DeadLetterVisibility(dur time.Duration) DeadLetterOption {
	return func(d *DeadLetter) {
		if dur > 0 {
			d.visibility = dur
		}
	}
}

// DeadLetterMaxLen bounds the stream length with approximate trimming
// (default 100000; 0 disables trimming).
func DeadLetterMaxLen(n int64) DeadLetterOption {
	return func(d *DeadLetter) { d.maxLen = n }
}

// DeadLetterLogger sets the logger.
func DeadLetterLogger(l *slog.Logger) DeadLetterOption {
	return func(d *DeadLetter) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDeadLetter creates the dead-letter queue and its consumer group.
func NewDeadLetter(ctx context.Context, rdb *redis.Client, opts ...DeadLetterOption) (*DeadLetter, error) {
	d := &DeadLetter{
		group: group{
			rdb:        rdb,
			stream:     defaultDLQStream,
			name:       defaultDLQGroup,
			consumer:   defaultConsumer(),
			visibility: defaultVisibility,
			maxLen:     defaultMaxLen,
			logger:     nopLogger,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Publish appends a dead-letter entry.
func (d *DeadLetter) Publish(ctx context.Context, entry cairn.DLQEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := d.add(ctx, body, 0); err != nil {
		return fmt.Errorf("publish to %s: %w", d.stream, err)
	}
	return nil
}

// Receive reclaims abandoned deliveries, then blocks for new ones.
func (d *DeadLetter) Receive(ctx context.Context, max int, wait time.Duration) ([]cairn.QueueMessage, error) {
	return d.receive(ctx, max, wait)
}

// Ack marks deliveries as processed.
func (d *DeadLetter) Ack(ctx context.Context, ids ...string) error {
	return d.ack(ctx, ids...)
}

var _ cairn.DeadLetterQueue = (*DeadLetter)(nil)
