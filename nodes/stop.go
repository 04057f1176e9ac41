package nodes

import (
	"context"

	"github.com/gramflow-labs/gramflow/flow"
)

// StopNode ends the run deliberately. Useful as the explicit terminus
// of a branch, with an optional reason surfaced on the run record.
//
// Config:
//
//	reason: string  optional
type StopNode struct{}

var _ flow.Handler = (*StopNode)(nil)

func (n *StopNode) ValidateConfig(map[string]any) []flow.Diagnostic { return nil }

func (n *StopNode) Execute(_ context.Context, node flow.NodeDef, _ *flow.ExecutionContext) flow.Outcome {
	reason, _ := configString(node.Config, "reason")
	if reason == "" {
		reason = "stopped"
	}
	return flow.Halted(reason)
}
