package sdk

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("basekit.sdk")
	meter  = otel.Meter("basekit.sdk")
)

var (
	queryCacheHits    metric.Int64Counter
	queryCacheMisses  metric.Int64Counter
	queryCacheLive    metric.Int64UpDownCounter
	hostFetches       metric.Int64Counter
	mutationsTotal    metric.Int64Counter
	changeBatchesSeen metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		queryCacheHits, err = meter.Int64Counter(
			"query_cache_hits_total",
			metric.WithDescription("Select-records calls served by a live query result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryCacheMisses, err = meter.Int64Counter(
			"query_cache_misses_total",
			metric.WithDescription("Select-records calls that created a query result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryCacheLive, err = meter.Int64UpDownCounter(
			"query_cache_live",
			metric.WithDescription("Live query results"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		hostFetches, err = meter.Int64Counter(
			"host_fetches_total",
			metric.WithDescription("Fetch-and-subscribe calls made to the host"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mutationsTotal, err = meter.Int64Counter(
			"mutations_total",
			metric.WithDescription("Mutations by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		changeBatchesSeen, err = meter.Int64Counter(
			"change_batches_total",
			metric.WithDescription("Change batches applied to the base data tree"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordQueryCache(hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	if hit {
		queryCacheHits.Add(context.Background(), 1)
	} else {
		queryCacheMisses.Add(context.Background(), 1)
		queryCacheLive.Add(context.Background(), 1)
	}
}

func recordQueryTeardown() {
	if err := initMetrics(); err != nil {
		return
	}
	queryCacheLive.Add(context.Background(), -1)
}

func recordHostFetch(ctx context.Context, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	hostFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func recordMutation(ctx context.Context, kind, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	mutationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func recordBatch(source string, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	changeBatchesSeen.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Int("size", size),
	))
}

// startHostSpan creates a span around a host call.
func startHostSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Host."+operation,
		trace.WithAttributes(attribute.String("host.key", key)),
	)
}
