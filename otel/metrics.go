package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gramflow-labs/gramflow/flow"
)

// MetricsHandler translates engine events into OpenTelemetry metrics:
// counters for node executions, retries, and failures, histograms for
// node and run durations.
type MetricsHandler struct {
	nodeExecutions metric.Int64Counter
	nodeRetries    metric.Int64Counter
	nodeFailures   metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates instruments on the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("gramflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeRetries, err := meter.Int64Counter("gramflow.node.retries",
		metric.WithDescription("Number of node retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("gramflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("gramflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter("gramflow.run.finished",
		metric.WithDescription("Number of finished runs by status"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("gramflow.run.duration",
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions: nodeExec,
		nodeRetries:    nodeRetries,
		nodeFailures:   nodeFail,
		nodeDuration:   nodeDur,
		runsFinished:   runsFinished,
		runDuration:    runDur,
	}, nil
}

// Handle processes one execution event. Satisfies flow.EventHandler.
func (h *MetricsHandler) Handle(e flow.Event) {
	ctx := context.Background()
	switch e.Kind {
	case flow.EventNodeFinished:
		attrs := nodeAttrs(e)
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case flow.EventNodeRetried:
		h.nodeRetries.Add(ctx, 1, nodeAttrs(e))
	case flow.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, nodeAttrs(e))
	case flow.EventRunFinished:
		attrs := metric.WithAttributes(
			attribute.String("graph_id", e.GraphID),
			attribute.String("status", payloadString(e, "status")),
		)
		h.runsFinished.Add(ctx, 1, attrs)
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	}
}

func nodeAttrs(e flow.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("node_type", e.NodeType),
		attribute.String("node_id", e.NodeID),
	)
}
