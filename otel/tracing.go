// Package otel translates engine execution events into OpenTelemetry
// spans: one root span per run, one child span per node dispatch.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gramflow-labs/gramflow/flow"
)

// TracingHandler maintains maps of active run and node spans, creating
// and ending them based on event kind. Register it as (or inside) the
// engine's EventHandler.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	nodeSpans map[string]trace.Span // runID:nodeID -> span
}

// NewTracingHandler creates a handler producing spans via the tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes one execution event. Satisfies flow.EventHandler.
func (h *TracingHandler) Handle(e flow.Event) {
	switch e.Kind {
	case flow.EventRunStarted, flow.EventRunResumed:
		h.handleRunStarted(e)
	case flow.EventNodeStarted:
		h.handleNodeStarted(e)
	case flow.EventNodeFinished:
		h.handleNodeEnd(e, codes.Ok, "")
	case flow.EventNodeFailed:
		h.handleNodeEnd(e, codes.Error, payloadString(e, "error"))
	case flow.EventNodeRetried:
		h.handleNodeRetried(e)
	case flow.EventEdgeTaken:
		h.handleEdgeTaken(e)
	case flow.EventRunSuspended, flow.EventRunFinished:
		h.handleRunEnd(e)
	}
}

func (h *TracingHandler) handleRunStarted(e flow.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.GraphID,
		trace.WithAttributes(
			attribute.String("gramflow.run_id", e.RunID),
			attribute.String("gramflow.graph_id", e.GraphID),
		),
		trace.WithTimestamp(e.Time),
	)
	if e.Kind == flow.EventRunResumed {
		span.SetAttributes(attribute.Bool("gramflow.resumed", true))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e flow.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	// Retries reuse the open span; attempt count lands as span events.
	key := e.RunID + ":" + e.NodeID
	h.mu.RLock()
	_, open := h.nodeSpans[key]
	h.mu.RUnlock()
	if open {
		return
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("gramflow.run_id", e.RunID),
			attribute.String("gramflow.node_id", e.NodeID),
			attribute.String("gramflow.node_type", e.NodeType),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[key] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeRetried(e flow.Event) {
	key := e.RunID + ":" + e.NodeID
	h.mu.RLock()
	span, ok := h.nodeSpans[key]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent("retry", trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.Int("gramflow.attempt", e.Attempt),
		attribute.String("gramflow.error", payloadString(e, "error")),
	))
}

func (h *TracingHandler) handleEdgeTaken(e flow.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent("edge", trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("gramflow.source", e.NodeID),
		attribute.String("gramflow.target", payloadString(e, "target")),
	))
}

func (h *TracingHandler) handleNodeEnd(e flow.Event, status codes.Code, errMsg string) {
	key := e.RunID + ":" + e.NodeID
	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Int("gramflow.attempts", e.Attempt))
	if status == codes.Error {
		if errMsg == "" {
			errMsg = "node failed"
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(errors.New(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunEnd(e flow.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if e.Kind == flow.EventRunSuspended {
		span.SetAttributes(attribute.String("gramflow.status", string(flow.StatusSuspended)))
		span.End(trace.WithTimestamp(e.Time))
		return
	}

	status := payloadString(e, "status")
	span.SetAttributes(attribute.String("gramflow.status", status))
	if status == string(flow.StatusFailed) || status == string(flow.StatusTimedOut) {
		span.SetStatus(codes.Error, status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func payloadString(e flow.Event, key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
