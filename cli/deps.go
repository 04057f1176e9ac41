package cli

import (
	"context"

	"github.com/gramflow-labs/gramflow/instagram"
)

// noopSender accepts every action without doing anything. Used where a
// registry is needed purely for config validation.
type noopSender struct{}

var _ instagram.ActionSender = (*noopSender)(nil)

func (noopSender) SendDM(context.Context, instagram.DirectMessage) error      { return nil }
func (noopSender) ReplyToComment(context.Context, instagram.CommentReply) error { return nil }

// noopComposer echoes the prompt.
type noopComposer struct{}

var _ instagram.ReplyComposer = (*noopComposer)(nil)

func (noopComposer) Compose(_ context.Context, prompt, _ string) (string, error) {
	return prompt, nil
}
