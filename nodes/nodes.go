// Package nodes provides the builtin node handlers: trigger intake,
// branching conditions, AI-composed replies, outbound DM and comment
// actions, timed delays, and explicit stops.
package nodes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/flow/condition"
	"github.com/gramflow-labs/gramflow/instagram"
)

// Builtin node type identifiers.
const (
	TypeTrigger      = "trigger"
	TypeCondition    = "condition"
	TypeAIReply      = "ai_reply"
	TypeSendDM       = "send_dm"
	TypeReplyComment = "reply_comment"
	TypeDelay        = "delay"
	TypeStop         = "stop"
)

var errNotStringList = errors.New("value is not a list of strings")

// Deps carries the external services the builtin handlers act through.
type Deps struct {
	Sender   instagram.ActionSender
	Composer instagram.ReplyComposer
}

// Register installs every builtin handler into the registry.
func Register(reg *flow.Registry, deps Deps) error {
	handlers := map[string]flow.Handler{
		TypeTrigger:      &TriggerNode{},
		TypeCondition:    &ConditionNode{},
		TypeAIReply:      &AIReplyNode{Composer: deps.Composer},
		TypeSendDM:       &SendDMNode{Sender: deps.Sender},
		TypeReplyComment: &ReplyCommentNode{Sender: deps.Sender},
		TypeDelay:        &DelayNode{},
		TypeStop:         &StopNode{},
	}
	for _, t := range []string{
		TypeTrigger, TypeCondition, TypeAIReply,
		TypeSendDM, TypeReplyComment, TypeDelay, TypeStop,
	} {
		if err := reg.Register(t, handlers[t]); err != nil {
			return err
		}
	}
	return nil
}

// MustRegistry builds a registry with all builtins, panicking on wiring
// errors. For start-up use.
func MustRegistry(deps Deps) *flow.Registry {
	reg := flow.NewRegistry()
	if err := Register(reg, deps); err != nil {
		panic(err)
	}
	return reg
}

// resolveString reads a string config value, following "trigger." and
// "output." references through the execution context. Any other value
// is taken literally.
func resolveString(run *flow.ExecutionContext, raw string) (string, error) {
	if !isReference(raw) {
		return raw, nil
	}
	v, ok, err := run.Resolve(raw)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("reference %q resolved to nothing", raw)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), nil
	}
	return s, nil
}

func isReference(s string) bool {
	return strings.HasPrefix(s, "trigger.") || strings.HasPrefix(s, "output.")
}

// configString returns config[key] as a string, with ok=false when the
// key is absent or not a string.
func configString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// referencedOutputs extracts node IDs from "output.<id>..." references
// in the named string config fields. Shared by handlers to declare
// their data dependencies for save-time ordering checks.
func referencedOutputs(cfg map[string]any, keys ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range keys {
		s, ok := configString(cfg, key)
		if !ok {
			continue
		}
		id, ok := condition.OutputNodeID(s)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
