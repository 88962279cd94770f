package cairn

import "context"

// Counter records monotonic event counts by name. The observer package
// provides an OTEL-backed implementation; components that are handed no
// counter use NopCounter and drop counts.
type Counter interface {
	Add(ctx context.Context, name string, delta int64)
}

// CounterFunc adapts a plain function to the Counter interface.
type CounterFunc func(ctx context.Context, name string, delta int64)

// Add implements Counter.
func (f CounterFunc) Add(ctx context.Context, name string, delta int64) { f(ctx, name, delta) }

// NopCounter returns a Counter that discards all counts.
func NopCounter() Counter {
	return CounterFunc(func(context.Context, string, int64) {})
}
