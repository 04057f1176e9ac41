package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gramflow-labs/gramflow/flow"
)

// DelayNode parks the run for a configured duration. The first
// execution suspends with a resume time; when the resume scheduler
// re-enters the run at this node, the ledger shows the wait already
// happened and the node completes.
//
// Config:
//
//	duration_ms: number  required; must be positive
type DelayNode struct {
	// Now is overridable for tests; nil uses time.Now.
	Now func() time.Time
}

var _ flow.Handler = (*DelayNode)(nil)

func (n *DelayNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	if _, err := delayDuration(cfg); err != nil {
		return []flow.Diagnostic{{
			Code:     "ND-040",
			Severity: flow.SeverityError,
			Message:  err.Error(),
		}}
	}
	return nil
}

func (n *DelayNode) Execute(_ context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	d, err := delayDuration(node.Config)
	if err != nil {
		return flow.Failed(err)
	}

	if run.ActionSucceeded(node.ID, "delay") {
		return flow.Completed(map[string]any{"waited_ms": d.Milliseconds()})
	}

	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	resumeAt := now().Add(d)
	run.RecordAttempt(node.ID, "delay", 1, flow.LedgerSucceeded, "suspended until "+resumeAt.UTC().Format(time.RFC3339))
	return flow.Suspended(uuid.NewString(), resumeAt)
}

func delayDuration(cfg map[string]any) (time.Duration, error) {
	v, ok := cfg["duration_ms"]
	if !ok {
		return 0, errors.New("duration_ms is required")
	}
	ms, ok := asInt64(v)
	if !ok || ms <= 0 {
		return 0, errors.New("duration_ms must be a positive number")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	}
	return 0, false
}
