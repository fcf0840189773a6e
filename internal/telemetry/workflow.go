package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/CodeWizarz/FUZE/internal/workflow"
)

// WorkflowMetrics implements workflow.Observer on top of the global
// MeterProvider. Instruments surface through the Prometheus exporter set
// up by InitMeterProvider.
type WorkflowMetrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
}

func NewWorkflowMetrics() (*WorkflowMetrics, error) {
	meter := otel.Meter("workflow/runner")

	started, err := meter.Int64Counter("workflow_runs_started_total",
		metric.WithDescription("Workflow runs started or resumed"))
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter("workflow_runs_finished_total",
		metric.WithDescription("Workflow runs reaching a terminal state, by outcome"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("workflow_run_duration_seconds",
		metric.WithDescription("Wall time from run start to terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &WorkflowMetrics{started: started, finished: finished, duration: duration}, nil
}

func (m *WorkflowMetrics) RunStarted(name string) {
	m.started.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("workflow", name)))
}

func (m *WorkflowMetrics) RunFinished(name string, state workflow.RunState, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", name),
		attribute.String("state", string(state)),
	)
	m.finished.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), elapsed.Seconds(), attrs)
}
