package drain

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names recorded by the drain package.
const (
	MetricPending      = "leadballoon.requests.pending"
	MetricRejected     = "leadballoon.requests.rejected"
	MetricShutdowns    = "leadballoon.shutdowns"
	MetricDrainSeconds = "leadballoon.drain.duration"
)

type instruments struct {
	pending   metric.Int64UpDownCounter
	rejected  metric.Int64Counter
	shutdowns metric.Int64Counter
	duration  metric.Float64Histogram
}

// newInstruments never fails; an instrument the meter refuses falls back to
// its no-op counterpart.
func newInstruments(m metric.Meter) *instruments {
	if m == nil {
		m = noop.NewMeterProvider().Meter("drain")
	}
	nop := noop.Meter{}
	in := &instruments{}
	var err error

	if in.pending, err = m.Int64UpDownCounter(MetricPending,
		metric.WithDescription("Admitted requests that have not completed yet."),
		metric.WithUnit("{request}"),
	); err != nil {
		in.pending, _ = nop.Int64UpDownCounter(MetricPending)
	}
	if in.rejected, err = m.Int64Counter(MetricRejected,
		metric.WithDescription("Requests answered by the closing responder."),
		metric.WithUnit("{request}"),
	); err != nil {
		in.rejected, _ = nop.Int64Counter(MetricRejected)
	}
	if in.shutdowns, err = m.Int64Counter(MetricShutdowns,
		metric.WithDescription("Completed shutdowns by outcome."),
	); err != nil {
		in.shutdowns, _ = nop.Int64Counter(MetricShutdowns)
	}
	if in.duration, err = m.Float64Histogram(MetricDrainSeconds,
		metric.WithDescription("Time from Initiate to Closed."),
		metric.WithUnit("s"),
	); err != nil {
		in.duration, _ = nop.Float64Histogram(MetricDrainSeconds)
	}
	return in
}

func (in *instruments) admitted() { in.pending.Add(context.Background(), 1) }

func (in *instruments) completed() { in.pending.Add(context.Background(), -1) }

func (in *instruments) reject(state State) {
	in.rejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", state.String())))
}

func (in *instruments) closed(o Outcome) {
	attrs := metric.WithAttributes(attribute.String("outcome", o.String()))
	in.shutdowns.Add(context.Background(), 1, attrs)
	in.duration.Record(context.Background(), o.Elapsed.Seconds(), attrs)
}
