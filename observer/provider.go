package observer

import (
	"context"
	"time"

	cairn "github.com/go-cairn/cairn"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	cairnlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a cairn.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner cairn.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner cairn.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req cairn.ChatRequest) (cairn.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, "chat", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req cairn.ChatRequest, ch chan<- string) (cairn.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Interpose on the token channel to count chunks. wrappedCh stays
	// buffered so the inner provider never blocks on send while the
	// forwarding goroutine is stuck on a full ch.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for tok := range wrappedCh {
			chunks++
			select {
			case ch <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, method, status string, durationMs float64, usage cairn.Usage) {
	cost := o.inst.Cost.Calculate(o.model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec cairnlog.Record
	rec.SetSeverity(cairnlog.SeverityInfo)
	rec.SetBody(cairnlog.StringValue("llm call completed"))
	rec.AddAttributes(
		cairnlog.String("llm.model", o.model),
		cairnlog.String("llm.provider", o.inner.Name()),
		cairnlog.String("llm.method", method),
		cairnlog.Int("llm.tokens.input", usage.InputTokens),
		cairnlog.Int("llm.tokens.output", usage.OutputTokens),
		cairnlog.Float64("llm.cost_usd", cost),
		cairnlog.Float64("llm.duration_ms", durationMs),
		cairnlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ cairn.Provider = (*ObservedProvider)(nil)
