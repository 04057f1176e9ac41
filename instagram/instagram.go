// Package instagram defines the outbound surface the engine acts
// through: sending direct messages, replying to comments, and composing
// reply text. Implementations talk to the Graph API; the engine only
// sees these interfaces.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DirectMessage is an outbound DM to a single recipient.
type DirectMessage struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// CommentReply is an outbound public reply to a comment.
type CommentReply struct {
	CommentID string `json:"comment_id"`
	Text      string `json:"text"`
}

// ActionSender performs side effects against the platform. Calls must
// be safe to retry: the engine deduplicates per run via its ledger, but
// transport-level retries can still repeat a call.
type ActionSender interface {
	SendDM(ctx context.Context, msg DirectMessage) error
	ReplyToComment(ctx context.Context, reply CommentReply) error
}

// ReplyComposer produces reply text from a prompt and the triggering
// message. Backed by an AI provider in production; deterministic
// implementations serve tests and dry runs.
type ReplyComposer interface {
	Compose(ctx context.Context, prompt, incoming string) (string, error)
}

// APIError is a failure reported by the platform API. Transient marks
// errors worth retrying (rate limits, 5xx); permanent errors (revoked
// tokens, deleted comments) fail the node immediately.
type APIError struct {
	Code      int
	Message   string
	Transient bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instagram api error %d: %s", e.Code, e.Message)
}

// IsTransient reports whether err is a retryable platform failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient
}

// SentAction records one delivered side effect.
type SentAction struct {
	Kind   string // "send_dm" or "reply_comment"
	Target string
	Text   string
}

// RecorderSender is an in-memory ActionSender that records what it was
// asked to deliver. Fail can be set to inject errors, optionally only
// for the first N calls to exercise retry paths.
type RecorderSender struct {
	Sent      []SentAction
	Fail      error
	FailTimes int

	calls int
}

var _ ActionSender = (*RecorderSender)(nil)

func (r *RecorderSender) SendDM(_ context.Context, msg DirectMessage) error {
	if err := r.maybeFail(); err != nil {
		return err
	}
	r.Sent = append(r.Sent, SentAction{Kind: "send_dm", Target: msg.RecipientID, Text: msg.Text})
	return nil
}

func (r *RecorderSender) ReplyToComment(_ context.Context, reply CommentReply) error {
	if err := r.maybeFail(); err != nil {
		return err
	}
	r.Sent = append(r.Sent, SentAction{Kind: "reply_comment", Target: reply.CommentID, Text: reply.Text})
	return nil
}

func (r *RecorderSender) maybeFail() error {
	r.calls++
	if r.Fail == nil {
		return nil
	}
	if r.FailTimes > 0 && r.calls > r.FailTimes {
		return nil
	}
	return r.Fail
}

// LogSender logs actions instead of delivering them. The default
// sender until a Graph API client is configured, so a misconfigured
// deployment can never message real users.
type LogSender struct {
	Logger *slog.Logger
}

var _ ActionSender = (*LogSender)(nil)

func (l *LogSender) SendDM(_ context.Context, msg DirectMessage) error {
	l.logger().Info("send dm (log only)", "recipient", msg.RecipientID, "text", msg.Text)
	return nil
}

func (l *LogSender) ReplyToComment(_ context.Context, reply CommentReply) error {
	l.logger().Info("reply to comment (log only)", "comment_id", reply.CommentID, "text", reply.Text)
	return nil
}

func (l *LogSender) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// StaticComposer returns a fixed reply regardless of input. If Reply is
// empty it echoes the prompt, which keeps dry runs readable.
type StaticComposer struct {
	Reply string
	Err   error
}

var _ ReplyComposer = (*StaticComposer)(nil)

func (s *StaticComposer) Compose(_ context.Context, prompt, _ string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	if s.Reply != "" {
		return s.Reply, nil
	}
	return prompt, nil
}
