package nodes

import (
	"context"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/flow/condition"
)

// ConditionNode evaluates a predicate against the run and records the
// verdict as its output, so downstream edges and nodes can branch on
// "output.<id>.matched".
//
// Config:
//
//	predicate: map  required; see condition.FromConfig
type ConditionNode struct{}

var _ flow.Handler = (*ConditionNode)(nil)
var _ flow.OutputReferencer = (*ConditionNode)(nil)

func (n *ConditionNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	_, err := predicateFromConfig(cfg)
	if err != nil {
		return []flow.Diagnostic{{
			Code:     "ND-010",
			Severity: flow.SeverityError,
			Message:  err.Error(),
		}}
	}
	return nil
}

// ReferencedOutputs reports the node outputs the predicate reads, for
// save-time ordering checks.
func (n *ConditionNode) ReferencedOutputs(cfg map[string]any) []string {
	pred, err := predicateFromConfig(cfg)
	if err != nil || pred == nil {
		return nil
	}
	return pred.ReferencedOutputs()
}

func (n *ConditionNode) Execute(_ context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	pred, err := predicateFromConfig(node.Config)
	if err != nil {
		return flow.Failed(err)
	}
	matched, err := pred.Eval(run)
	if err != nil {
		return flow.Failed(err)
	}
	return flow.Completed(map[string]any{"matched": matched})
}

func predicateFromConfig(cfg map[string]any) (*condition.Predicate, error) {
	raw, ok := cfg["predicate"].(map[string]any)
	if !ok {
		return nil, condition.ErrInvalidPredicate
	}
	return condition.FromConfig(raw)
}
