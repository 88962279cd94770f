// Package redis backs the content queue and the dead-letter queue with Redis
// Streams. Consumer groups give at-least-once delivery: a message stays in
// the group's pending list until acknowledged and is reclaimed with
// XAUTOCLAIM once its consumer has been idle past the visibility window. A
// sorted set holds delayed deliveries for backoff retries.
//
// Callers build the *redis.Client and own its lifecycle; this package never
// closes it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	cairn "github.com/go-cairn/cairn"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream     = "cairn:content"
	defaultDelayKey   = "cairn:content:delayed"
	defaultGroup      = "cairn-pipeline"
	defaultVisibility = 30 * time.Second
	defaultMaxLen     = 100_000

	// promoteBatch bounds how many due delayed entries one Receive moves to
	// the stream before reading.
	promoteBatch = 100
)

var nopLogger = slog.New(slog.DiscardHandler)

// defaultConsumer derives a consumer name unique enough to keep parallel
// workers from stealing each other's pending entries.
func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cairn"
	}
	return host + "-" + uuid.NewString()[:8]
}

// group is the shared consumer-group core behind Queue and DeadLetter.
type group struct {
	rdb        *redis.Client
	stream     string
	name       string
	consumer   string
	visibility time.Duration
	maxLen     int64
	logger     *slog.Logger
}

// ensure creates the consumer group from the start of the stream, creating
// the stream too when absent. Racing creators are fine: BUSYGROUP means
// someone else won.
func (g *group) ensure(ctx context.Context) error {
	err := g.rdb.XGroupCreateMkStream(ctx, g.stream, g.name, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", g.name, g.stream, err)
	}
	return nil
}

// add appends an entry to the stream. attempts > 0 records deliveries the
// payload accumulated before this entry existed (a scheduled retry), so the
// consumer-facing count keeps growing across retry cycles.
func (g *group) add(ctx context.Context, body []byte, attempts uint32) error {
	values := map[string]any{"body": string(body)}
	if attempts > 0 {
		values["attempts"] = strconv.FormatUint(uint64(attempts), 10)
	}
	return g.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: g.stream,
		MaxLen: g.maxLen,
		Approx: true,
		Values: values,
	}).Err()
}

// receive reclaims deliveries abandoned past the visibility window first,
// then blocks for new ones. Either path returns at most max messages.
func (g *group) receive(ctx context.Context, max int, wait time.Duration) ([]cairn.QueueMessage, error) {
	if max <= 0 {
		max = 1
	}
	claimed, err := g.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	block := wait
	if block <= 0 {
		block = -1 // non-blocking
	}
	streams, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.name,
		Consumer: g.consumer,
		Streams:  []string{g.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // wait elapsed with nothing pending
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", g.stream, err)
	}

	var out []cairn.QueueMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(m, 1))
		}
	}
	return out, nil
}

// reclaim takes over pending entries whose consumer has gone quiet. Claimed
// messages carry the broker's delivery count so downstream backoff and cap
// decisions see redeliveries.
func (g *group) reclaim(ctx context.Context, max int) ([]cairn.QueueMessage, error) {
	msgs, _, err := g.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.stream,
		Group:    g.name,
		Consumer: g.consumer,
		MinIdle:  g.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending on %s: %w", g.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := g.deliveryCounts(ctx, msgs[0].ID, msgs[len(msgs)-1].ID, len(msgs))
	out := make([]cairn.QueueMessage, 0, len(msgs))
	for _, m := range msgs {
		attempts, ok := counts[m.ID]
		if !ok {
			attempts = 2 // claimed means delivered at least twice
		}
		out = append(out, toMessage(m, attempts))
	}
	return out, nil
}

// deliveryCounts reads per-message delivery counters from the pending list.
// Lookup failure degrades to the claimed-twice floor rather than failing the
// receive.
func (g *group) deliveryCounts(ctx context.Context, first, last string, n int) map[string]uint32 {
	pending, err := g.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: g.stream,
		Group:  g.name,
		Start:  first,
		End:    last,
		Count:  int64(n),
	}).Result()
	if err != nil {
		g.logger.Warn("pending lookup failed, using delivery count floor",
			"stream", g.stream, "error", err)
		return nil
	}
	counts := make(map[string]uint32, len(pending))
	for _, p := range pending {
		counts[p.ID] = uint32(p.RetryCount)
	}
	return counts
}

func (g *group) ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.rdb.XAck(ctx, g.stream, g.name, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", g.stream, err)
	}
	return nil
}

func toMessage(m redis.XMessage, deliveries uint32) cairn.QueueMessage {
	body, _ := m.Values["body"].(string)
	// A delivery without a body field still flows through so the consumer
	// can dead-letter it instead of it pending forever.
	attempts := deliveries
	if prior, ok := m.Values["attempts"].(string); ok {
		if n, err := strconv.ParseUint(prior, 10, 32); err == nil {
			attempts += uint32(n)
		}
	}
	return cairn.QueueMessage{ID: m.ID, Body: []byte(body), Attempts: attempts}
}

// Queue is the Redis Streams implementation of the content queue: publisher
// and consumer-group reader plus the delayed-delivery sorted set.
type Queue struct {
	group
	delayKey string
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// QueueStream overrides the stream key (default "cairn:content"). The
// delayed sorted set follows as "<stream>:delayed" unless QueueDelayKey is
// also given.
func QueueStream(name string) QueueOption {
	return func(q *Queue) {
		q.stream = name
		q.delayKey = name + ":delayed"
	}
}

// QueueDelayKey overrides the delayed-delivery sorted set key.
func QueueDelayKey(name string) QueueOption {
	return func(q *Queue) { q.delayKey = name }
}

// QueueGroup overrides the consumer group name (default "cairn-pipeline").
func QueueGroup(name string) QueueOption {
	return func(q *Queue) { q.name = name }
}

// QueueConsumer overrides the generated consumer name.
func QueueConsumer(name string) QueueOption {
	return func(q *Queue) { q.consumer = name }
}

// QueueVisibility sets how long a delivery may sit unacknowledged before
// another consumer may reclaim it (default 30s).
func QueueVisibility(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// QueueMaxLen bounds the stream length with approximate trimming (default
// 100000; 0 disables trimming).
func QueueMaxLen(n int64) QueueOption {
	return func(q *Queue) { q.maxLen = n }
}

// QueueLogger sets the logger.
func QueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue creates the queue and its consumer group. The group starts at the
// beginning of the stream so events published before the first worker came
// up are still consumed.
func NewQueue(ctx context.Context, rdb *redis.Client, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		group: group{
			rdb:        rdb,
			stream:     defaultStream,
			name:       defaultGroup,
			consumer:   defaultConsumer(),
			visibility: defaultVisibility,
			maxLen:     defaultMaxLen,
			logger:     nopLogger,
		},
		delayKey: defaultDelayKey,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.ensure(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Publish enqueues an event for immediate delivery.
func (q *Queue) Publish(ctx context.Context, event cairn.ContentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := q.add(ctx, body, 0); err != nil {
		return fmt.Errorf("publish to %s: %w", q.stream, err)
	}
	return nil
}

// delayedEnvelope wraps a delayed event body. The envelope id keeps two
// retries of byte-identical events from collapsing into one sorted-set
// member.
type delayedEnvelope struct {
	ID       string          `json:"id"`
	Body     json.RawMessage `json:"body"`
	Attempts uint32          `json:"attempts,omitempty"`
}

// PublishAfter schedules an event for delivery once delay has elapsed. Due
// entries are moved onto the stream by the next Receive on any worker.
// attempts rides the envelope onto the promoted entry, so the delivery the
// consumer eventually sees counts on from the failed ones.
func (q *Queue) PublishAfter(ctx context.Context, event cairn.ContentEvent, delay time.Duration, attempts uint32) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	member, err := json.Marshal(delayedEnvelope{ID: uuid.NewString(), Body: body, Attempts: attempts})
	if err != nil {
		return fmt.Errorf("marshal delayed envelope: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayKey, redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule on %s: %w", q.delayKey, err)
	}
	return nil
}

// Receive promotes due delayed entries, then reclaims abandoned deliveries,
// then blocks for new ones.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]cairn.QueueMessage, error) {
	if err := q.promoteDue(ctx); err != nil {
		// Delayed entries stay due; the next Receive tries again.
		q.logger.Warn("promoting delayed entries failed", "key", q.delayKey, "error", err)
	}
	return q.receive(ctx, max, wait)
}

// Ack marks deliveries as processed.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	return q.ack(ctx, ids...)
}

// promoteDue moves entries whose due time has passed from the sorted set to
// the stream. Promotion and removal are not atomic across workers, so a
// racing promoter can double-deliver; the queue is at-least-once either way.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.delayKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("range due entries: %w", err)
	}
	for _, member := range members {
		body := []byte(member)
		var env delayedEnvelope
		if err := json.Unmarshal([]byte(member), &env); err == nil && len(env.Body) > 0 {
			body = env.Body
		}
		// An unenveloped member is forwarded raw so the consumer can
		// dead-letter it instead of it rotting in the sorted set.
		if err := q.add(ctx, body, env.Attempts); err != nil {
			return fmt.Errorf("promote entry: %w", err)
		}
		if err := q.rdb.ZRem(ctx, q.delayKey, member).Err(); err != nil {
			return fmt.Errorf("remove promoted entry: %w", err)
		}
	}
	return nil
}

var (
	_ cairn.Queue     = (*Queue)(nil)
	_ cairn.Publisher = (*Queue)(nil)
)
