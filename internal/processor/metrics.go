package processor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/activitylog/internal/activity"
)

var (
	tracer = otel.Tracer("activitylog.processor")
	meter  = otel.Meter("activitylog.processor")
)

var (
	appendedTotal  metric.Int64Counter
	conflictsTotal metric.Int64Counter
	failuresTotal  metric.Int64Counter
	processLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		appendedTotal, err = meter.Int64Counter(
			"activitylog_records_appended_total",
			metric.WithDescription("Activity log records appended"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		conflictsTotal, err = meter.Int64Counter(
			"activitylog_version_conflicts_total",
			metric.WithDescription("Appends rejected by the (object_type, object_id, version) constraint"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		failuresTotal, err = meter.Int64Counter(
			"activitylog_process_failures_total",
			metric.WithDescription("Processing attempts that failed, by error kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		processLatency, err = meter.Float64Histogram(
			"activitylog_process_duration_seconds",
			metric.WithDescription("Duration of one processing call"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startProcessSpan(ctx context.Context, job activity.Job) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Processor.Process",
		trace.WithAttributes(
			attribute.String("activity.event", job.EventName),
			attribute.String("activity.object_type", job.ObjectType),
			attribute.Int64("activity.object_id", job.ObjectID),
			attribute.String("activity.mode", string(job.Mode)),
		),
	)
}

func recordAppended(ctx context.Context, rec activity.LogRecord, start time.Time) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("object_type", rec.ObjectType),
		attribute.Bool("checkpoint", rec.IsCheckpoint()),
	)
	appendedTotal.Add(ctx, 1, attrs)
	processLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("object_type", rec.ObjectType),
		attribute.Bool("success", true),
	))
}

func recordConflict(ctx context.Context, objectType string) {
	if err := initMetrics(); err != nil {
		return
	}
	conflictsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("object_type", objectType)))
}

func recordFailure(ctx context.Context, objectType string, err error, start time.Time) {
	if initErr := initMetrics(); initErr != nil {
		return
	}
	failuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("object_type", objectType),
		attribute.String("kind", errorKind(err)),
	))
	processLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("object_type", objectType),
		attribute.Bool("success", false),
	))
}

func errorKind(err error) string {
	switch {
	case activity.IsReplay(err):
		return string(activity.KindReplay)
	case activity.IsSourceUnavailable(err):
		return string(activity.KindSourceUnavailable)
	case activity.IsConstraintViolation(err):
		return string(activity.KindConstraintViolation)
	case activity.IsValidation(err):
		return string(activity.KindValidation)
	}
	return "internal"
}
