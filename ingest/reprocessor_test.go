package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	cairn "github.com/go-cairn/cairn"
)

type fakeDLQ struct {
	deliveries [][]cairn.QueueMessage
	calls      int
	acked      []string
	published  []cairn.DLQEntry
}

func (d *fakeDLQ) Publish(_ context.Context, entry cairn.DLQEntry) error {
	d.published = append(d.published, entry)
	return nil
}

func (d *fakeDLQ) Receive(_ context.Context, _ int, _ time.Duration) ([]cairn.QueueMessage, error) {
	if d.calls >= len(d.deliveries) {
		return nil, nil
	}
	out := d.deliveries[d.calls]
	d.calls++
	return out, nil
}

func (d *fakeDLQ) Ack(_ context.Context, ids ...string) error {
	d.acked = append(d.acked, ids...)
	return nil
}

type scheduledEvent struct {
	event    cairn.ContentEvent
	delay    time.Duration
	attempts uint32
}

type capturePublisher struct {
	immediate []cairn.ContentEvent
	delayed   []scheduledEvent
	err       error
}

func (p *capturePublisher) Publish(_ context.Context, ev cairn.ContentEvent) error {
	if p.err != nil {
		return p.err
	}
	p.immediate = append(p.immediate, ev)
	return nil
}

func (p *capturePublisher) PublishAfter(_ context.Context, ev cairn.ContentEvent, delay time.Duration, attempts uint32) error {
	if p.err != nil {
		return p.err
	}
	p.delayed = append(p.delayed, scheduledEvent{event: ev, delay: delay, attempts: attempts})
	return nil
}

type countingMeter struct{ counts map[string]int64 }

func newCountingMeter() *countingMeter { return &countingMeter{counts: map[string]int64{}} }

func (c *countingMeter) Add(_ context.Context, name string, delta int64) { c.counts[name] += delta }

func dlqMsg(t *testing.T, id string, entry cairn.DLQEntry) cairn.QueueMessage {
	t.Helper()
	body, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return cairn.QueueMessage{ID: id, Body: body, Attempts: 1}
}

func TestReprocessorBackoffSchedule(t *testing.T) {
	job := cairn.ContentEvent{ID: "c1", UserID: "u1", Version: 3}
	cases := []struct {
		attempts  uint32
		wantDelay time.Duration
		scheduled bool
	}{
		{attempts: 1, wantDelay: 60 * time.Second, scheduled: true},
		{attempts: 2, wantDelay: 120 * time.Second, scheduled: true},
		{attempts: 3, scheduled: false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempts=%d", tc.attempts), func(t *testing.T) {
			entry := cairn.NewEmbedError(errors.New("rate limit"), job, tc.attempts)
			dlq := &fakeDLQ{deliveries: [][]cairn.QueueMessage{{dlqMsg(t, "d1", entry)}}}
			pub := &capturePublisher{}
			rp := NewReprocessor(dlq, pub)

			n, err := rp.DrainOnce(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("DrainOnce = (%d, %v)", n, err)
			}
			if len(dlq.acked) != 1 || dlq.acked[0] != "d1" {
				t.Fatalf("acked = %v, want [d1]", dlq.acked)
			}
			if !tc.scheduled {
				if len(pub.delayed) != 0 {
					t.Fatalf("scheduled = %+v, want none past the cap", pub.delayed)
				}
				return
			}
			if len(pub.delayed) != 1 {
				t.Fatalf("scheduled = %+v, want exactly one", pub.delayed)
			}
			got := pub.delayed[0]
			if got.delay != tc.wantDelay {
				t.Errorf("delay = %v, want %v", got.delay, tc.wantDelay)
			}
			if got.event.ID != "c1" || got.event.Version != 3 {
				t.Errorf("republished event = %+v", got.event)
			}
			if got.attempts != tc.attempts {
				t.Errorf("carried attempts = %d, want %d", got.attempts, tc.attempts)
			}
		})
	}
}

func TestReprocessorCountsParseErrors(t *testing.T) {
	entry := cairn.NewParseError(errors.New("missing id"), []byte(`{"userId":"u1"}`))
	dlq := &fakeDLQ{deliveries: [][]cairn.QueueMessage{{dlqMsg(t, "d1", entry)}}}
	pub := &capturePublisher{}
	meter := newCountingMeter()
	rp := NewReprocessor(dlq, pub, ReprocessorCounter(meter))

	if _, err := rp.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if got := meter.counts["parsing_errors_processed"]; got != 1 {
		t.Errorf("parsing_errors_processed = %d, want 1", got)
	}
	if len(pub.delayed) != 0 || len(pub.immediate) != 0 {
		t.Errorf("parse error was republished: %+v %+v", pub.immediate, pub.delayed)
	}
	if len(dlq.acked) != 1 {
		t.Errorf("acked = %v, want [d1]", dlq.acked)
	}
}

func TestReprocessorCountsMalformedEntries(t *testing.T) {
	dlq := &fakeDLQ{deliveries: [][]cairn.QueueMessage{{
		{ID: "d1", Body: []byte("?? not a dlq entry"), Attempts: 1},
		{ID: "d2", Body: []byte(`{"kind":"weird"}`), Attempts: 1},
	}}}
	pub := &capturePublisher{}
	meter := newCountingMeter()
	rp := NewReprocessor(dlq, pub, ReprocessorCounter(meter))

	n, err := rp.DrainOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("DrainOnce = (%d, %v)", n, err)
	}
	if got := meter.counts["messages_malformed"]; got != 2 {
		t.Errorf("messages_malformed = %d, want 2", got)
	}
	if len(dlq.acked) != 2 {
		t.Errorf("acked = %v, want both", dlq.acked)
	}
}

func TestReprocessorDropsNonRetryable(t *testing.T) {
	entry := cairn.NewEmbedError(errors.New("invalid request schema"), cairn.ContentEvent{ID: "c1"}, 1)
	dlq := &fakeDLQ{deliveries: [][]cairn.QueueMessage{{dlqMsg(t, "d1", entry)}}}
	pub := &capturePublisher{}
	rp := NewReprocessor(dlq, pub)

	if _, err := rp.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if len(pub.delayed) != 0 {
		t.Errorf("non-retryable error was scheduled: %+v", pub.delayed)
	}
	if len(dlq.acked) != 1 {
		t.Errorf("acked = %v, want [d1]", dlq.acked)
	}
}

func TestReprocessorPublishFailureStillAcks(t *testing.T) {
	entry := cairn.NewEmbedError(errors.New("Connection timeout"), cairn.ContentEvent{ID: "c1"}, 1)
	dlq := &fakeDLQ{deliveries: [][]cairn.QueueMessage{{dlqMsg(t, "d1", entry)}}}
	pub := &capturePublisher{err: errors.New("queue down")}
	rp := NewReprocessor(dlq, pub)

	if _, err := rp.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if len(dlq.acked) != 1 {
		t.Errorf("acked = %v, want [d1] even when republish fails", dlq.acked)
	}
}

func TestReprocessorRunStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rp := NewReprocessor(&fakeDLQ{}, &capturePublisher{})

	done := make(chan error, 1)
	go func() { done <- rp.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Connection timeout", true},
		{"request timed out after 30s", true},
		{"connection refused by peer", true},
		{"connection reset", true},
		{"failed to establish connection", true},
		{"network unreachable", true},
		{"throttled by upstream", true},
		{"rate limit exceeded", true},
		{"429 Too Many Requests", true},
		{"HTTP 503 Service Unavailable", true},
		{"internal server error", true},
		{"500 from upstream", true},
		{"temporarily unavailable", true},
		{"model overloaded", true},
		{"please try again later", true},
		{"resource exhausted", true},
		{"invalid request", false},
		{"400 bad request", false},
		{"unauthorized", false},
		{"model not found", false},
		{"404 from upstream", false},
		{"validation failed", false},
		{"schema mismatch", false},
		{"Invalid model response after timeout", false},
		{"mysterious failure", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.msg); got != tc.want {
			t.Errorf("isRetryable(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
