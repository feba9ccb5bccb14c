package orchestrator

import (
	"context"

	"github.com/notready-remediator/notready-remediator/pkg/observability"
)

// Reporter consumes remediation events and metrics. Implementations must be
// safe for concurrent use: node tasks report in parallel.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, observability.Event)
	OnMetric func(observability.Metric)
}

func (r ReporterFuncs) RecordEvent(ctx context.Context, event observability.Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

func (r ReporterFuncs) RecordMetric(metric observability.Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter forwards events to a logger and metrics to a collector.
type StructuredReporter struct {
	component string
	logger    observability.Logger
	metrics   observability.MetricsCollector
}

// NewStructuredReporter stamps events lacking a component with the given one.
// Either sink may be nil.
func NewStructuredReporter(component string, logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	if component == "" {
		component = "orchestrator"
	}
	return &StructuredReporter{
		component: component,
		logger:    logger,
		metrics:   metrics,
	}
}

func (r *StructuredReporter) RecordEvent(ctx context.Context, event observability.Event) {
	if r == nil || r.logger == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Component == "" {
		cloned.Component = r.component
	}
	_ = r.logger.Log(ctx, cloned)
}

func (r *StructuredReporter) RecordMetric(metric observability.Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
