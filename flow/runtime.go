package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gramflow-labs/gramflow/flow/condition"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusHalted    Status = "halted"
	StatusTimedOut  Status = "timed_out"
	StatusSuspended Status = "suspended"

	// StatusNoEntry means the graph does not subscribe to the trigger
	// type; no run record is created. Not an error.
	StatusNoEntry Status = "no_matching_entry"

	// StatusDuplicate means another run already holds the trigger event
	// ID; the delivery is acknowledged without executing anything.
	StatusDuplicate Status = "duplicate"
)

// Terminal reports whether the status is a persisted terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusHalted, StatusTimedOut:
		return true
	}
	return false
}

// Run is the persisted record of one execution. It is created when a
// trigger is accepted and written once per terminal state.
type Run struct {
	ID          string        `json:"id"`
	GraphID     string        `json:"graph_id"`
	EventID     string        `json:"event_id"`
	TriggerType TriggerType   `json:"trigger_type"`
	Status      Status        `json:"status"`
	LastNodeID  string        `json:"last_node_id,omitempty"`
	Note        string        `json:"note,omitempty"`
	Error       string        `json:"error,omitempty"`
	Ledger      []LedgerEntry `json:"ledger,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Suspension is the persisted state of a parked run: where to re-enter,
// when it becomes eligible, and the full context snapshot.
type Suspension struct {
	Token       string          `json:"token"`
	NodeID      string          `json:"node_id"`
	ResumeAfter time.Time       `json:"resume_after"`
	Context     ContextSnapshot `json:"context"`
}

// ErrAlreadyRunning is returned by RunStore.Begin when a run already
// exists for the trigger event ID. It is the expected result of a
// duplicate webhook delivery, not a failure.
var ErrAlreadyRunning = errors.New("run already exists for trigger event")

// RunStore is the persistence adapter the executor writes runs through.
// Begin must enforce a uniqueness constraint on the trigger event ID so
// at most one run per event exists across processes.
type RunStore interface {
	Begin(ctx context.Context, run Run) error
	Suspend(ctx context.Context, run Run, susp Suspension) error
	Finish(ctx context.Context, run Run) error
}

// RetryPolicy bounds re-invocation of a node after a retryable failure.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

// RetryPolicyFromConfig reads a per-node retry override from node config
// ("max_attempts", "backoff_ms"), falling back to the given defaults.
func RetryPolicyFromConfig(cfg map[string]any, def RetryPolicy) RetryPolicy {
	out := def
	if cfg == nil {
		return out
	}
	if v, ok := asInt(cfg["max_attempts"]); ok && v > 0 {
		out.MaxAttempts = v
	}
	if v, ok := asInt(cfg["backoff_ms"]); ok && v >= 0 {
		out.Backoff = time.Duration(v) * time.Millisecond
	}
	return out
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// RunOptions controls execution behavior for one run.
type RunOptions struct {
	// StepBudget caps node dispatches per run (default 50). The primary
	// defense against pathological fan-out even in a cycle-free graph.
	StepBudget int

	// Timeout is the wall-clock budget for the run (default 2 minutes).
	Timeout time.Duration

	// Retry is the default retry policy; node config can override it.
	Retry RetryPolicy

	// Now provides the current time (for testing). Nil uses time.Now.
	Now func() time.Time

	// Sleep waits between retry attempts (for testing). Nil blocks on a
	// timer honoring context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error

	// EventHandler receives execution events.
	EventHandler EventHandler
}

// DefaultRunOptions returns sensible defaults.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		StepBudget: 50,
		Timeout:    2 * time.Minute,
		Retry:      DefaultRetryPolicy(),
	}
}

func (o *RunOptions) normalize() {
	if o.StepBudget <= 0 {
		o.StepBudget = 50
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NodeOutput pairs a node ID with its recorded output, in execution order.
type NodeOutput struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// Result summarizes a run for the caller. Execution errors are captured
// here rather than returned as Go errors: the webhook handler and the
// test-run endpoint always receive a well-formed result.
type Result struct {
	RunID       string        `json:"run_id,omitempty"`
	GraphID     string        `json:"graph_id"`
	Status      Status        `json:"status"`
	LastNodeID  string        `json:"last_node_id,omitempty"`
	LastOutput  any           `json:"last_output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Note        string        `json:"note,omitempty"`
	Outputs     []NodeOutput  `json:"outputs,omitempty"`
	Ledger      []LedgerEntry `json:"ledger,omitempty"`
	Steps       int           `json:"steps"`
	ResumeToken string        `json:"resume_token,omitempty"`
	ResumeAfter *time.Time    `json:"resume_after,omitempty"`
}

// Engine executes compiled graphs. It shares nothing across runs except
// the registry (immutable after start-up) and the run store.
type Engine struct {
	registry *Registry
	runs     RunStore
	logger   *slog.Logger
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Registry *Registry
	Runs     RunStore
	Logger   *slog.Logger
}

// NewEngine creates an executor over the given registry and run store.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine registry is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("engine run store is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{registry: cfg.Registry, runs: cfg.Runs, logger: cfg.Logger}, nil
}

// RunWorkflow executes a compiled graph against a trigger event.
//
// The trigger event ID is the idempotency key: if a run already exists
// for it, the result is StatusDuplicate and nothing executes. A graph
// that does not subscribe to the trigger type yields StatusNoEntry.
// All other outcomes create a run record and persist its terminal (or
// suspended) state exactly once.
func (e *Engine) RunWorkflow(ctx context.Context, g *Graph, trigger TriggerEvent, opts RunOptions) (Result, error) {
	opts.normalize()

	entry, ok := g.EntryFor(trigger.Type)
	if !ok {
		return Result{GraphID: g.ID(), Status: StatusNoEntry}, nil
	}

	start := opts.Now()
	run := Run{
		ID:          uuid.NewString(),
		GraphID:     g.ID(),
		EventID:     trigger.EventID,
		TriggerType: trigger.Type,
		Status:      StatusRunning,
		StartedAt:   start,
	}
	if err := e.runs.Begin(ctx, run); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return Result{GraphID: g.ID(), Status: StatusDuplicate}, nil
		}
		return Result{}, fmt.Errorf("begin run: %w", err)
	}

	ec := NewExecutionContext(trigger, start.Add(opts.Timeout))
	emit := e.emitter(opts)
	emit(NewEvent(EventRunStarted, run.ID).
		WithGraph(g.ID()).
		WithPayload("trigger_type", string(trigger.Type)).
		WithPayload("event_id", trigger.EventID).
		WithPayload("entry", entry))

	return e.execute(ctx, g, ec, run, entry, opts, emit, start)
}

// ResumeWorkflow re-enters a suspended run at its parked node with the
// restored context. The resumed leg gets a fresh wall-clock budget.
func (e *Engine) ResumeWorkflow(ctx context.Context, g *Graph, run Run, susp Suspension, opts RunOptions) (Result, error) {
	opts.normalize()

	start := opts.Now()
	snap := susp.Context
	snap.Deadline = start.Add(opts.Timeout)
	ec := RestoreContext(snap)

	run.Status = StatusRunning
	emit := e.emitter(opts)
	emit(NewEvent(EventRunResumed, run.ID).
		WithGraph(g.ID()).
		WithNode(susp.NodeID, nodeType(g, susp.NodeID)).
		WithPayload("resume_token", susp.Token))

	return e.execute(ctx, g, ec, run, susp.NodeID, opts, emit, start)
}

func (e *Engine) emitter(opts RunOptions) EventEmitter {
	return func(ev Event) {
		if opts.EventHandler != nil {
			opts.EventHandler(ev)
		}
	}
}

func nodeType(g *Graph, id string) string {
	if n, ok := g.Node(id); ok {
		return n.Type
	}
	return ""
}

// execute walks the graph from startNode until a terminal state or a
// suspension, then persists the run exactly once and returns the result.
func (e *Engine) execute(
	ctx context.Context,
	g *Graph,
	ec *ExecutionContext,
	run Run,
	startNode string,
	opts RunOptions,
	emit EventEmitter,
	runStart time.Time,
) (Result, error) {
	current := startNode
	var susp *Suspension

	res := Result{RunID: run.ID, GraphID: g.ID()}

loop:
	for {
		now := opts.Now()
		if now.After(ec.Deadline()) {
			res.Status = StatusTimedOut
			res.Note = "deadline exceeded"
			break
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				res.Status = StatusTimedOut
				res.Note = "deadline exceeded"
			} else {
				res.Status = StatusFailed
				res.Error = err.Error()
			}
			break
		}
		if ec.bumpStep() > opts.StepBudget {
			res.Status = StatusTimedOut
			res.Note = fmt.Sprintf("step budget of %d exhausted", opts.StepBudget)
			break
		}

		node, ok := g.Node(current)
		if !ok {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("node %q not in graph", current)
			break
		}
		res.LastNodeID = node.ID

		// Persisted graphs can outlive registry changes.
		handler, err := e.registry.Resolve(node.Type)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			break
		}

		outcome, attempts := e.dispatch(ctx, handler, node, ec, opts, emit, run.ID, runStart)

		// A result arriving after the deadline is discarded: the run is
		// already too slow to act on the outside world safely.
		if opts.Now().After(ec.Deadline()) {
			res.Status = StatusTimedOut
			res.Note = "deadline exceeded during node execution"
			break
		}

		switch outcome.Kind {
		case OutcomeCompleted:
			if err := ec.SetOutput(node.ID, outcome.Value); err != nil {
				// Invariant violation: never swallowed.
				e.logger.Error("node output invariant violated",
					"run_id", run.ID, "node_id", node.ID, "error", err)
				res.Status = StatusFailed
				res.Error = err.Error()
				break loop
			}
			res.LastOutput = outcome.Value
			emit(NewEvent(EventNodeFinished, run.ID).
				WithGraph(g.ID()).
				WithNode(node.ID, node.Type).
				WithAttempt(attempts).
				WithElapsed(opts.Now().Sub(runStart)))

			next, edge, taken, err := selectEdge(g, node.ID, ec)
			if err != nil {
				e.logger.Error("edge condition failed",
					"run_id", run.ID, "node_id", node.ID, "error", err)
				res.Status = StatusFailed
				res.Error = err.Error()
				break loop
			}
			if !taken {
				res.Status = StatusSucceeded
				if len(g.OutEdges(node.ID)) > 0 {
					res.Note = "no path taken"
				}
				break loop
			}
			emit(NewEvent(EventEdgeTaken, run.ID).
				WithGraph(g.ID()).
				WithNode(node.ID, node.Type).
				WithPayload("target", next).
				WithPayload("priority", edge.Priority).
				WithPayload("conditional", edge.Condition != nil))
			current = next

		case OutcomeHalted:
			res.Status = StatusHalted
			res.Note = outcome.Reason
			break loop

		case OutcomeFailed:
			res.Status = StatusFailed
			if outcome.Err != nil {
				res.Error = outcome.Err.Error()
			}
			break loop

		case OutcomeSuspended:
			token := outcome.ResumeToken
			if token == "" {
				token = uuid.NewString()
			}
			susp = &Suspension{
				Token:       token,
				NodeID:      node.ID,
				ResumeAfter: outcome.ResumeAfter,
				Context:     ec.Snapshot(),
			}
			res.Status = StatusSuspended
			res.ResumeToken = token
			after := outcome.ResumeAfter
			res.ResumeAfter = &after
			break loop

		default:
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("node %q returned unknown outcome %q", node.ID, outcome.Kind)
			break loop
		}
	}

	res.Steps = ec.Steps()
	res.Ledger = ec.Ledger()
	for _, id := range ec.OutputOrder() {
		v, _ := ec.Output(id)
		res.Outputs = append(res.Outputs, NodeOutput{NodeID: id, Value: v})
	}

	run.Status = res.Status
	run.LastNodeID = res.LastNodeID
	run.Note = res.Note
	run.Error = res.Error
	run.Ledger = res.Ledger

	if susp != nil {
		if err := e.runs.Suspend(ctx, run, *susp); err != nil {
			return res, fmt.Errorf("persist suspension: %w", err)
		}
		emit(NewEvent(EventRunSuspended, run.ID).
			WithGraph(g.ID()).
			WithNode(susp.NodeID, nodeType(g, susp.NodeID)).
			WithElapsed(opts.Now().Sub(runStart)).
			WithPayload("resume_token", susp.Token).
			WithPayload("resume_after", susp.ResumeAfter))
		return res, nil
	}

	finished := opts.Now()
	run.FinishedAt = &finished
	if err := e.runs.Finish(ctx, run); err != nil {
		return res, fmt.Errorf("persist run: %w", err)
	}
	emit(NewEvent(EventRunFinished, run.ID).
		WithGraph(g.ID()).
		WithElapsed(finished.Sub(runStart)).
		WithPayload("status", string(res.Status)).
		WithPayload("steps", res.Steps))
	return res, nil
}

// dispatch executes one node with bounded retries. A retryable failure
// re-invokes the handler with multiplicative backoff until the attempt
// budget is spent, then becomes terminal.
func (e *Engine) dispatch(
	ctx context.Context,
	handler Handler,
	node NodeDef,
	ec *ExecutionContext,
	opts RunOptions,
	emit EventEmitter,
	runID string,
	runStart time.Time,
) (Outcome, int) {
	policy := RetryPolicyFromConfig(node.Config, opts.Retry)

	for attempt := 1; ; attempt++ {
		emit(NewEvent(EventNodeStarted, runID).
			WithNode(node.ID, node.Type).
			WithAttempt(attempt).
			WithElapsed(opts.Now().Sub(runStart)))

		outcome := handler.Execute(ctx, node, ec)

		if outcome.Kind != OutcomeFailed {
			return outcome, attempt
		}
		if !outcome.Retryable || attempt >= policy.MaxAttempts {
			emit(NewEvent(EventNodeFailed, runID).
				WithNode(node.ID, node.Type).
				WithAttempt(attempt).
				WithElapsed(opts.Now().Sub(runStart)).
				WithPayload("error", errString(outcome.Err)).
				WithPayload("retryable", outcome.Retryable))
			return outcome, attempt
		}

		emit(NewEvent(EventNodeRetried, runID).
			WithNode(node.ID, node.Type).
			WithAttempt(attempt).
			WithElapsed(opts.Now().Sub(runStart)).
			WithPayload("error", errString(outcome.Err)))

		if err := opts.Sleep(ctx, policy.Backoff*time.Duration(attempt)); err != nil {
			return Failed(err), attempt
		}
	}
}

// selectEdge picks the next node: edges are pre-sorted by priority with
// the unconditional edge last; the first condition that holds wins.
func selectEdge(g *Graph, nodeID string, ec *ExecutionContext) (string, EdgeDef, bool, error) {
	for _, edge := range g.OutEdges(nodeID) {
		if edge.Condition == nil {
			return edge.Target, edge, true, nil
		}
		ok, err := edge.Condition.Eval(ec)
		if err != nil {
			return "", EdgeDef{}, false, fmt.Errorf("edge %s -> %s: %w", edge.Source, edge.Target, err)
		}
		if ok {
			return edge.Target, edge, true, nil
		}
	}
	return "", EdgeDef{}, false, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Ensure interface compliance at compile time.
var _ condition.Resolver = (*ExecutionContext)(nil)
