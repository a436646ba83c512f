package pipebuilder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/davidroman0O/pipebuilder"

// LoggingMiddleware logs every execution with its stage list and outcome.
func LoggingMiddleware() Middleware {
	return func(next RunnerFunc) RunnerFunc {
		return func(ctx context.Context, agg Aggregator, pipeline mongo.Pipeline, logger Logger) (*mongo.Cursor, error) {
			types := strings.Join(pipelineTypes(pipeline), ", ")
			logger.Info("Running aggregation: [%s]", types)
			start := time.Now()

			cursor, err := next(ctx, agg, pipeline, logger)

			if err != nil {
				logger.Error("Aggregation failed after %v: %v", time.Since(start), err)
				return nil, err
			}
			logger.Info("Aggregation started in %v", time.Since(start))
			return cursor, nil
		}
	}
}

// registerCollector registers c, reusing an identical collector that is
// already registered.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// MetricsMiddleware records run counts, aggregate latency and pipeline sizes
// in reg. A nil reg uses prometheus.DefaultRegisterer.
func MetricsMiddleware(reg prometheus.Registerer) (Middleware, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	runs, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipebuilder",
		Name:      "aggregations_total",
		Help:      "Aggregation pipelines executed, by outcome.",
	}, []string{"status"}))
	if err != nil {
		return nil, err
	}
	duration, err := registerCollector(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pipebuilder",
		Name:      "aggregation_duration_seconds",
		Help:      "Time spent in the aggregate call.",
		Buckets:   prometheus.DefBuckets,
	}))
	if err != nil {
		return nil, err
	}
	stages, err := registerCollector(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pipebuilder",
		Name:      "pipeline_stages",
		Help:      "Number of stages per executed pipeline.",
		Buckets:   prometheus.LinearBuckets(1, 2, 10),
	}))
	if err != nil {
		return nil, err
	}

	return func(next RunnerFunc) RunnerFunc {
		return func(ctx context.Context, agg Aggregator, pipeline mongo.Pipeline, logger Logger) (*mongo.Cursor, error) {
			stages.Observe(float64(len(pipeline)))
			start := time.Now()
			cursor, err := next(ctx, agg, pipeline, logger)
			duration.Observe(time.Since(start).Seconds())
			if err != nil {
				runs.WithLabelValues("error").Inc()
				return nil, err
			}
			runs.WithLabelValues("success").Inc()
			return cursor, nil
		}
	}, nil
}

// TracingMiddleware wraps the aggregate call in a client span. A nil tracer
// uses the global tracer provider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return func(next RunnerFunc) RunnerFunc {
		return func(ctx context.Context, agg Aggregator, pipeline mongo.Pipeline, logger Logger) (*mongo.Cursor, error) {
			ctx, span := tracer.Start(ctx, "pipebuilder.aggregate",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.Int("pipebuilder.stage_count", len(pipeline)),
					attribute.StringSlice("pipebuilder.stage_types", pipelineTypes(pipeline)),
				),
			)
			defer span.End()

			cursor, err := next(ctx, agg, pipeline, logger)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetStatus(codes.Ok, "")
			return cursor, nil
		}
	}
}
