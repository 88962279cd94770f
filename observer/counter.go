package observer

import (
	"context"
	"sync"

	cairn "github.com/go-cairn/cairn"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// otelCounter implements cairn.Counter using OpenTelemetry. Int64Counters
// are created lazily, one per metric name, so callers can mint names at
// runtime without pre-registration.
type otelCounter struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// NewCounter returns a cairn.Counter backed by the global OTEL MeterProvider.
// Call observer.Init() first to configure the provider; otherwise counts go
// to a no-op backend.
func NewCounter() cairn.Counter {
	return newCounter(otel.Meter(scopeName))
}

func newCounter(meter metric.Meter) *otelCounter {
	return &otelCounter{
		meter:    meter,
		counters: make(map[string]metric.Int64Counter),
	}
}

func (c *otelCounter) Add(ctx context.Context, name string, delta int64) {
	c.mu.Lock()
	ctr, ok := c.counters[name]
	if !ok {
		var err error
		ctr, err = c.meter.Int64Counter(name)
		if err != nil {
			// Invalid instrument name. Drop the count rather than fail the caller.
			c.mu.Unlock()
			return
		}
		c.counters[name] = ctr
	}
	c.mu.Unlock()
	ctr.Add(ctx, delta)
}

// compile-time check
var _ cairn.Counter = (*otelCounter)(nil)
