package nodes

import (
	"context"
	"errors"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
)

// SendDMNode delivers a direct message. Delivery is ledgered: once the
// send succeeds for this run and node, re-execution (a retried resume,
// a redelivered event reaching the same run) skips the API call.
//
// Config:
//
//	text:      string  required; literal or "trigger."/"output." reference
//	recipient: string  optional; defaults to "trigger.sender_id"
type SendDMNode struct {
	Sender instagram.ActionSender
}

var _ flow.Handler = (*SendDMNode)(nil)
var _ flow.OutputReferencer = (*SendDMNode)(nil)

func (n *SendDMNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	return requireText(cfg, "ND-030")
}

func (n *SendDMNode) ReferencedOutputs(cfg map[string]any) []string {
	return referencedOutputs(cfg, "text", "recipient")
}

func (n *SendDMNode) Execute(ctx context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	if n.Sender == nil {
		return flow.Failed(errors.New("no action sender configured"))
	}
	if run.ActionSucceeded(node.ID, "send_dm") {
		run.RecordAttempt(node.ID, "send_dm", run.Attempts(node.ID, "send_dm")+1, flow.LedgerSkipped, "already delivered")
		return flow.Completed(map[string]any{"delivered": true, "skipped": true})
	}

	text, err := resolveString(run, mustConfigString(node.Config, "text"))
	if err != nil {
		return flow.Failed(err)
	}
	recipientRef := "trigger.sender_id"
	if r, ok := configString(node.Config, "recipient"); ok && r != "" {
		recipientRef = r
	}
	recipient, err := resolveString(run, recipientRef)
	if err != nil {
		return flow.Failed(err)
	}

	attempt := run.Attempts(node.ID, "send_dm") + 1
	err = n.Sender.SendDM(ctx, instagram.DirectMessage{RecipientID: recipient, Text: text})
	if err != nil {
		run.RecordAttempt(node.ID, "send_dm", attempt, flow.LedgerFailed, err.Error())
		if instagram.IsTransient(err) {
			return flow.RetryableFailure(err)
		}
		return flow.Failed(err)
	}
	run.RecordAttempt(node.ID, "send_dm", attempt, flow.LedgerSucceeded, "")
	return flow.Completed(map[string]any{"delivered": true, "recipient": recipient})
}

// ReplyCommentNode posts a public reply to the triggering comment.
// Same ledger discipline as SendDMNode.
//
// Config:
//
//	text:       string  required; literal or reference
//	comment_id: string  optional; defaults to "trigger.comment_id"
type ReplyCommentNode struct {
	Sender instagram.ActionSender
}

var _ flow.Handler = (*ReplyCommentNode)(nil)
var _ flow.OutputReferencer = (*ReplyCommentNode)(nil)

func (n *ReplyCommentNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	return requireText(cfg, "ND-031")
}

func (n *ReplyCommentNode) ReferencedOutputs(cfg map[string]any) []string {
	return referencedOutputs(cfg, "text", "comment_id")
}

func (n *ReplyCommentNode) Execute(ctx context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	if n.Sender == nil {
		return flow.Failed(errors.New("no action sender configured"))
	}
	if run.ActionSucceeded(node.ID, "reply_comment") {
		run.RecordAttempt(node.ID, "reply_comment", run.Attempts(node.ID, "reply_comment")+1, flow.LedgerSkipped, "already delivered")
		return flow.Completed(map[string]any{"delivered": true, "skipped": true})
	}

	text, err := resolveString(run, mustConfigString(node.Config, "text"))
	if err != nil {
		return flow.Failed(err)
	}
	commentRef := "trigger.comment_id"
	if r, ok := configString(node.Config, "comment_id"); ok && r != "" {
		commentRef = r
	}
	commentID, err := resolveString(run, commentRef)
	if err != nil {
		return flow.Failed(err)
	}

	attempt := run.Attempts(node.ID, "reply_comment") + 1
	err = n.Sender.ReplyToComment(ctx, instagram.CommentReply{CommentID: commentID, Text: text})
	if err != nil {
		run.RecordAttempt(node.ID, "reply_comment", attempt, flow.LedgerFailed, err.Error())
		if instagram.IsTransient(err) {
			return flow.RetryableFailure(err)
		}
		return flow.Failed(err)
	}
	run.RecordAttempt(node.ID, "reply_comment", attempt, flow.LedgerSucceeded, "")
	return flow.Completed(map[string]any{"delivered": true, "comment_id": commentID})
}

func requireText(cfg map[string]any, code string) []flow.Diagnostic {
	if text, ok := configString(cfg, "text"); !ok || text == "" {
		return []flow.Diagnostic{{
			Code:     code,
			Severity: flow.SeverityError,
			Message:  "text is required",
		}}
	}
	return nil
}

func mustConfigString(cfg map[string]any, key string) string {
	s, _ := configString(cfg, key)
	return s
}
