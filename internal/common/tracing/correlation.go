package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/neacisu/Neanelu-Shopify-sub003/bulkworker"

// JobCorrelation holds the business identifiers attached to every job span.
type JobCorrelation struct {
	Queue     string
	JobId     string
	JobName   string
	ShopId    string
	BulkRunId string
	Attempt   int
}

// AddJobCorrelation adds business correlation attributes to a span
func AddJobCorrelation(span trace.Span, corr JobCorrelation) {
	span.SetAttributes(
		attribute.String("bulk.queue", corr.Queue),
		attribute.String("bulk.job_id", corr.JobId),
		attribute.String("bulk.job_name", corr.JobName),
		attribute.Int("bulk.attempt", corr.Attempt),
	)
	if corr.ShopId != "" {
		span.SetAttributes(attribute.String("bulk.shop_id", corr.ShopId))
	}
	if corr.BulkRunId != "" {
		span.SetAttributes(attribute.String("bulk.run_id", corr.BulkRunId))
	}
}

// Extract restores the trace context a producer injected into carrier, so the consumer span is a
// child of the producer span.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return propagation.TraceContext{}.Extract(ctx, propagation.MapCarrier(carrier))
}

// Inject writes the trace context of ctx into a new carrier.
func Inject(ctx context.Context) map[string]string {
	carrier := map[string]string{}
	propagation.TraceContext{}.Inject(ctx, propagation.MapCarrier(carrier))
	return carrier
}

func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
