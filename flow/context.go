package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Execution invariant errors. Both indicate a programming-level invariant
// violation inside a run and terminate it; they are never swallowed.
var (
	ErrDuplicateOutput = errors.New("node output already set")
	ErrOutputNotReady  = errors.New("node output not yet available")
)

// Ledger entry statuses.
const (
	LedgerSucceeded = "succeeded"
	LedgerFailed    = "failed"
	LedgerSkipped   = "skipped" // replay detected, action not re-sent
)

// LedgerEntry records one attempted external call. The Key is derived
// from the trigger event ID and node ID, so a redelivered webhook can
// detect that an action already happened and skip re-sending it.
type LedgerEntry struct {
	Key     string    `json:"key"`
	NodeID  string    `json:"node_id"`
	Action  string    `json:"action"`
	Attempt int       `json:"attempt"`
	Status  string    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// ExecutionContext is the per-run scratchpad: the trigger that started
// the run, outputs of executed nodes (insertion order = execution order),
// a step counter, a deadline, and the side-effect ledger. It is owned
// exclusively by its run; there are no concurrent writers.
type ExecutionContext struct {
	trigger     TriggerEvent
	outputs     map[string]any
	outputOrder []string
	ledger      []LedgerEntry
	steps       int
	deadline    time.Time
	now         func() time.Time
}

// NewExecutionContext creates a context for one run of a graph.
func NewExecutionContext(trigger TriggerEvent, deadline time.Time) *ExecutionContext {
	return &ExecutionContext{
		trigger:  trigger,
		outputs:  make(map[string]any),
		deadline: deadline,
		now:      time.Now,
	}
}

// Trigger returns the event that started this run.
func (c *ExecutionContext) Trigger() TriggerEvent { return c.trigger }

// Deadline returns the wall-clock budget for this run.
func (c *ExecutionContext) Deadline() time.Time { return c.deadline }

// Steps returns how many node dispatches this run has performed.
func (c *ExecutionContext) Steps() int { return c.steps }

// bumpStep increments the dispatch counter. Executor-internal.
func (c *ExecutionContext) bumpStep() int {
	c.steps++
	return c.steps
}

// SetOutput records a node's output. A node executes at most once per
// run; a second write for the same node fails with ErrDuplicateOutput.
func (c *ExecutionContext) SetOutput(nodeID string, value any) error {
	if _, exists := c.outputs[nodeID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateOutput, nodeID)
	}
	c.outputs[nodeID] = value
	c.outputOrder = append(c.outputOrder, nodeID)
	return nil
}

// Output returns the recorded output of an earlier node. Referencing a
// node that has not executed on this path fails with ErrOutputNotReady;
// validation catches most of these statically, this is the safety net.
func (c *ExecutionContext) Output(nodeID string) (any, error) {
	v, ok := c.outputs[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrOutputNotReady, nodeID)
	}
	return v, nil
}

// HasOutput reports whether a node has executed on this path.
func (c *ExecutionContext) HasOutput(nodeID string) bool {
	_, ok := c.outputs[nodeID]
	return ok
}

// OutputOrder returns node IDs in execution order.
func (c *ExecutionContext) OutputOrder() []string {
	out := make([]string, len(c.outputOrder))
	copy(out, c.outputOrder)
	return out
}

// LedgerKey derives the stable idempotency key for an external call made
// on behalf of a node in this run.
func (c *ExecutionContext) LedgerKey(nodeID string) string {
	return c.trigger.EventID + ":" + nodeID
}

// RecordAttempt appends a ledger entry for an attempted external call.
func (c *ExecutionContext) RecordAttempt(nodeID, action string, attempt int, status, detail string) {
	c.ledger = append(c.ledger, LedgerEntry{
		Key:     c.LedgerKey(nodeID),
		NodeID:  nodeID,
		Action:  action,
		Attempt: attempt,
		Status:  status,
		Detail:  detail,
		At:      c.now(),
	})
}

// ActionSucceeded reports whether the ledger already holds a successful
// attempt for this node and action. Handlers consult it to make replays
// and resumed runs skip side effects that already happened.
func (c *ExecutionContext) ActionSucceeded(nodeID, action string) bool {
	key := c.LedgerKey(nodeID)
	for _, e := range c.ledger {
		if e.Key == key && e.Action == action && e.Status == LedgerSucceeded {
			return true
		}
	}
	return false
}

// Attempts returns how many attempts the ledger records for a node action.
func (c *ExecutionContext) Attempts(nodeID, action string) int {
	key := c.LedgerKey(nodeID)
	n := 0
	for _, e := range c.ledger {
		if e.Key == key && e.Action == action {
			n++
		}
	}
	return n
}

// Ledger returns a copy of the side-effect ledger.
func (c *ExecutionContext) Ledger() []LedgerEntry {
	out := make([]LedgerEntry, len(c.ledger))
	copy(out, c.ledger)
	return out
}

// Resolve implements condition.Resolver. Paths:
//
//	trigger.<field>[.<field>...]   trigger payload lookup
//	output.<nodeID>                whole node output
//	output.<nodeID>.<field>...     nested lookup inside a map output
func (c *ExecutionContext) Resolve(path string) (any, bool, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false, fmt.Errorf("unresolvable path %q", path)
	}

	switch parts[0] {
	case "trigger":
		return resolveNested(c.trigger.Payload, parts[1:])
	case "output":
		v, err := c.Output(parts[1])
		if err != nil {
			return nil, false, err
		}
		if len(parts) == 2 {
			return v, true, nil
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		return resolveNested(m, parts[2:])
	default:
		return nil, false, fmt.Errorf("unresolvable path %q", path)
	}
}

func resolveNested(m map[string]any, parts []string) (any, bool, error) {
	var current any = m
	for _, p := range parts {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		current, ok = node[p]
		if !ok {
			return nil, false, nil
		}
	}
	return current, true, nil
}

// ContextSnapshot is the serializable form of an ExecutionContext, stored
// with a suspended run and restored when the run is resumed.
type ContextSnapshot struct {
	Trigger     TriggerEvent   `json:"trigger"`
	Outputs     map[string]any `json:"outputs"`
	OutputOrder []string       `json:"output_order"`
	Ledger      []LedgerEntry  `json:"ledger"`
	Steps       int            `json:"steps"`
	Deadline    time.Time      `json:"deadline"`
}

// Snapshot captures the context state for persistence.
func (c *ExecutionContext) Snapshot() ContextSnapshot {
	outputs := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = v
	}
	return ContextSnapshot{
		Trigger:     c.trigger,
		Outputs:     outputs,
		OutputOrder: c.OutputOrder(),
		Ledger:      c.Ledger(),
		Steps:       c.steps,
		Deadline:    c.deadline,
	}
}

// RestoreContext rebuilds an ExecutionContext from a snapshot.
func RestoreContext(snap ContextSnapshot) *ExecutionContext {
	c := NewExecutionContext(snap.Trigger, snap.Deadline)
	for _, id := range snap.OutputOrder {
		c.outputs[id] = snap.Outputs[id]
		c.outputOrder = append(c.outputOrder, id)
	}
	c.ledger = append(c.ledger, snap.Ledger...)
	c.steps = snap.Steps
	return c
}
