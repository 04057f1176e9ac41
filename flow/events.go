package flow

import (
	"log/slog"
	"time"
)

// EventKind identifies the type of event emitted by the executor.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins executing.
	EventRunStarted EventKind = "run_started"

	// EventNodeStarted is emitted when a node dispatch begins.
	EventNodeStarted EventKind = "node_started"

	// EventNodeRetried is emitted before a retryable failure is retried.
	EventNodeRetried EventKind = "node_retried"

	// EventNodeFinished is emitted when a node completes.
	EventNodeFinished EventKind = "node_finished"

	// EventNodeFailed is emitted when a node fails terminally.
	EventNodeFailed EventKind = "node_failed"

	// EventEdgeTaken is emitted when edge selection picks the next node.
	EventEdgeTaken EventKind = "edge_taken"

	// EventRunSuspended is emitted when a run parks on a resume token.
	EventRunSuspended EventKind = "run_suspended"

	// EventRunResumed is emitted when a suspended run re-enters the executor.
	EventRunResumed EventKind = "run_resumed"

	// EventRunFinished is emitted when a run reaches a terminal state.
	EventRunFinished EventKind = "run_finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during execution. Events
// should stay small; run payloads live in the ledger and the run record.
type Event struct {
	Kind     EventKind
	RunID    string
	GraphID  string
	NodeID   string
	NodeType string
	Time     time.Time
	Attempt  int
	Elapsed  time.Duration
	Payload  map[string]any
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Attempt: 1,
		Payload: make(map[string]any),
	}
}

// WithNode sets node information on the event.
func (e Event) WithNode(nodeID, nodeType string) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithGraph sets the graph identifier on the event.
func (e Event) WithGraph(graphID string) Event {
	e.GraphID = graphID
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is the function the executor calls to emit events.
type EventEmitter func(Event)

// EventHandler receives events. Implementations can log, trace, or store.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// SlogEventHandler returns a handler that logs events through slog.
// Node failures log at error level, everything else at debug.
func SlogEventHandler(logger *slog.Logger) EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e Event) {
		attrs := []any{
			"run_id", e.RunID,
			"graph_id", e.GraphID,
		}
		if e.NodeID != "" {
			attrs = append(attrs, "node_id", e.NodeID, "node_type", e.NodeType)
		}
		if e.Attempt > 1 {
			attrs = append(attrs, "attempt", e.Attempt)
		}
		for k, v := range e.Payload {
			attrs = append(attrs, k, v)
		}
		if e.Kind == EventNodeFailed {
			logger.Error(string(e.Kind), attrs...)
			return
		}
		logger.Debug(string(e.Kind), attrs...)
	}
}
