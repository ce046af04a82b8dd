package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pesio-ai/be-ops-approvals/internal/service"

// instruments are the engine's OpenTelemetry tracer and counters. With no
// provider installed they are no-ops.
type instruments struct {
	tracer      trace.Tracer
	initiated   metric.Int64Counter
	approvals   metric.Int64Counter
	rejections  metric.Int64Counter
	escalations metric.Int64Counter
	cancels     metric.Int64Counter
	reminders   metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
		}
		return c
	}
	return &instruments{
		tracer:      otel.Tracer(instrumentationName),
		initiated:   counter("approvals.workflows.initiated", "Workflows initiated"),
		approvals:   counter("approvals.steps.approved", "Approval steps signed off"),
		rejections:  counter("approvals.workflows.rejected", "Workflows rejected"),
		escalations: counter("approvals.workflows.escalated", "Escalations and expiries"),
		cancels:     counter("approvals.workflows.cancelled", "Workflows cancelled"),
		reminders:   counter("approvals.reminders.sent", "Deadline reminders delivered"),
	}
}
