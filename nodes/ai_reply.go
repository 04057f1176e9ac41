package nodes

import (
	"context"
	"errors"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
)

// AIReplyNode composes reply text from a prompt and an incoming
// message. Composition has no side effects, so failures are always
// safe to retry; transient provider errors are marked retryable.
//
// Config:
//
//	prompt: string  required; instruction for the composer
//	source: string  optional reference to the incoming text
//	                (default "trigger.text")
type AIReplyNode struct {
	Composer instagram.ReplyComposer
}

var _ flow.Handler = (*AIReplyNode)(nil)
var _ flow.OutputReferencer = (*AIReplyNode)(nil)

func (n *AIReplyNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	if prompt, ok := configString(cfg, "prompt"); !ok || prompt == "" {
		return []flow.Diagnostic{{
			Code:     "ND-020",
			Severity: flow.SeverityError,
			Message:  "prompt is required",
		}}
	}
	return nil
}

func (n *AIReplyNode) ReferencedOutputs(cfg map[string]any) []string {
	return referencedOutputs(cfg, "source", "prompt")
}

func (n *AIReplyNode) Execute(ctx context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	if n.Composer == nil {
		return flow.Failed(errors.New("no reply composer configured"))
	}
	prompt, ok := configString(node.Config, "prompt")
	if !ok || prompt == "" {
		return flow.Failed(errors.New("prompt is required"))
	}

	source := "trigger.text"
	if s, ok := configString(node.Config, "source"); ok && s != "" {
		source = s
	}
	incoming, err := resolveString(run, source)
	if err != nil {
		return flow.Failed(err)
	}

	text, err := n.Composer.Compose(ctx, prompt, incoming)
	if err != nil {
		if instagram.IsTransient(err) {
			return flow.RetryableFailure(err)
		}
		return flow.Failed(err)
	}
	return flow.Completed(map[string]any{"text": text})
}
