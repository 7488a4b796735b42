package snapshot

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("stampdb.snapshot")

// Outcome labels for resolutionsTotal.
const (
	outcomeAbsent        = "absent"
	outcomeLatest        = "latest"
	outcomeContradiction = "contradiction"
)

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stampdb_resolutions_total",
		Help: "Chronicle resolutions by outcome",
	}, []string{"outcome"})

	resolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stampdb_resolve_duration_seconds",
		Help:    "Time to load and resolve one chronicle",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
	})

	calculatorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stampdb_calculator_cache_hits_total",
		Help: "Snapshots served by a cached relative position calculator",
	})

	calculatorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stampdb_calculator_cache_misses_total",
		Help: "Relative position calculators built",
	})
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
