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

// ObservedEmbedding wraps a cairn.EmbeddingProvider with OTEL instrumentation.
type ObservedEmbedding struct {
	inner cairn.EmbeddingProvider
	inst  *Instruments
	model string
}

// WrapEmbedding returns an instrumented embedding provider.
func WrapEmbedding(inner cairn.EmbeddingProvider, model string, inst *Instruments) *ObservedEmbedding {
	return &ObservedEmbedding{inner: inner, inst: inst, model: model}
}

func (o *ObservedEmbedding) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedding) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(texts)),
		AttrEmbedDimensions.Int(o.inner.Dimensions()),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Embed(ctx, texts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec cairnlog.Record
	rec.SetSeverity(cairnlog.SeverityInfo)
	rec.SetBody(cairnlog.StringValue("embedding completed"))
	rec.AddAttributes(
		cairnlog.String("llm.model", o.model),
		cairnlog.String("llm.provider", o.inner.Name()),
		cairnlog.Int("llm.embed.text_count", len(texts)),
		cairnlog.Float64("llm.duration_ms", durationMs),
		cairnlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ cairn.EmbeddingProvider = (*ObservedEmbedding)(nil)
