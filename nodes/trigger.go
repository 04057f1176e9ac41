package nodes

import (
	"context"
	"strings"

	"github.com/gramflow-labs/gramflow/flow"
)

// TriggerNode is the entry node of a flow. It surfaces the trigger
// payload as its output and, when keywords are configured, halts the
// run for messages that match none of them.
//
// Config:
//
//	keywords: []string  optional; case-insensitive substring match
//	match:    string    "any" (default) or "all"
type TriggerNode struct{}

var _ flow.Handler = (*TriggerNode)(nil)

func (n *TriggerNode) ValidateConfig(cfg map[string]any) []flow.Diagnostic {
	var diags []flow.Diagnostic
	if _, ok := cfg["keywords"]; ok {
		if _, err := stringSlice(cfg["keywords"]); err != nil {
			diags = append(diags, flow.Diagnostic{
				Code:     "ND-001",
				Severity: flow.SeverityError,
				Message:  "keywords must be a list of strings",
			})
		}
	}
	if mode, ok := configString(cfg, "match"); ok && mode != "any" && mode != "all" {
		diags = append(diags, flow.Diagnostic{
			Code:     "ND-002",
			Severity: flow.SeverityError,
			Message:  `match must be "any" or "all"`,
		})
	}
	return diags
}

func (n *TriggerNode) Execute(_ context.Context, node flow.NodeDef, run *flow.ExecutionContext) flow.Outcome {
	trigger := run.Trigger()

	keywords, err := stringSlice(node.Config["keywords"])
	if err != nil {
		return flow.Failed(err)
	}
	if len(keywords) > 0 {
		text := strings.ToLower(trigger.PayloadString("text"))
		mode, _ := configString(node.Config, "match")
		if !keywordsMatch(text, keywords, mode == "all") {
			return flow.Halted("no keyword match")
		}
	}

	out := map[string]any{
		"event_id": trigger.EventID,
		"type":     string(trigger.Type),
	}
	for k, v := range trigger.Payload {
		out[k] = v
	}
	return flow.Completed(out)
}

func keywordsMatch(text string, keywords []string, requireAll bool) bool {
	for _, kw := range keywords {
		hit := strings.Contains(text, strings.ToLower(kw))
		if requireAll && !hit {
			return false
		}
		if !requireAll && hit {
			return true
		}
	}
	return requireAll
}

func stringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errNotStringList
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errNotStringList
}
