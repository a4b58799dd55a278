package job_tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are created against the global meter, which delegates to the
// provider installed later by InitTracer.
var (
	jobsEnqueued     metric.Int64Counter
	jobsFinished     metric.Int64Counter
	laneDepth        metric.Int64Gauge
	fleetTransitions metric.Int64Counter
	creditsMoved     metric.Int64Counter
)

func init() {
	meter := otel.Meter(instrumentationName)
	jobsEnqueued, _ = meter.Int64Counter("xsonic.jobs.enqueued")
	jobsFinished, _ = meter.Int64Counter("xsonic.jobs.finished")
	laneDepth, _ = meter.Int64Gauge("xsonic.lane.depth")
	fleetTransitions, _ = meter.Int64Counter("xsonic.fleet.transitions")
	creditsMoved, _ = meter.Int64Counter("xsonic.credits.moved", metric.WithUnit("{credit}"))
}

func JobEnqueued(ctx context.Context, lane string) {
	jobsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", lane)))
}

func JobFinished(ctx context.Context, lane, status string) {
	jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.String("status", status),
	))
}

func LaneDepth(ctx context.Context, lane string, depth int64) {
	laneDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("lane", lane)))
}

func FleetTransition(ctx context.Context, to string) {
	fleetTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

func CreditsMoved(ctx context.Context, op string, amount int64) {
	if amount <= 0 {
		return
	}
	creditsMoved.Add(ctx, amount, metric.WithAttributes(attribute.String("op", op)))
}
