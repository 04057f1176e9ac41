package nodes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/instagram"
)

func commentContext(t *testing.T, payload map[string]any) *flow.ExecutionContext {
	t.Helper()
	if payload == nil {
		payload = map[string]any{
			"text":       "what is the PRICE of this?",
			"sender_id":  "user-9",
			"comment_id": "cmt-77",
		}
	}
	trigger := flow.TriggerEvent{
		Type:       flow.TriggerCommentReceived,
		EventID:    "evt-1",
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	return flow.NewExecutionContext(trigger, time.Now().Add(time.Minute))
}

func errDiagCodes(diags []flow.Diagnostic) []string {
	var codes []string
	for _, d := range diags {
		if d.Severity == flow.SeverityError {
			codes = append(codes, d.Code)
		}
	}
	return codes
}

func TestRegister_AllBuiltins(t *testing.T) {
	reg := MustRegistry(Deps{Sender: &instagram.RecorderSender{}, Composer: &instagram.StaticComposer{}})

	for _, typ := range []string{
		TypeTrigger, TypeCondition, TypeAIReply,
		TypeSendDM, TypeReplyComment, TypeDelay, TypeStop,
	} {
		if _, err := reg.Resolve(typ); err != nil {
			t.Errorf("Resolve(%q) error = %v", typ, err)
		}
	}
}

func TestTriggerNode_KeywordMatch(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		text   string
		halted bool
	}{
		{
			name:   "no keywords passes everything",
			config: map[string]any{},
			text:   "anything at all",
		},
		{
			name:   "any mode hit",
			config: map[string]any{"keywords": []any{"price", "cost"}},
			text:   "what is the PRICE?",
		},
		{
			name:   "any mode miss halts",
			config: map[string]any{"keywords": []any{"price", "cost"}},
			text:   "nice photo",
			halted: true,
		},
		{
			name:   "all mode hit",
			config: map[string]any{"keywords": []any{"price", "ship"}, "match": "all"},
			text:   "price and shipping please",
		},
		{
			name:   "all mode partial miss halts",
			config: map[string]any{"keywords": []any{"price", "ship"}, "match": "all"},
			text:   "price only",
			halted: true,
		},
	}

	n := &TriggerNode{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := commentContext(t, map[string]any{"text": tt.text})
			out := n.Execute(context.Background(), flow.NodeDef{ID: "t0", Type: TypeTrigger, Config: tt.config}, run)
			if tt.halted {
				if out.Kind != flow.OutcomeHalted {
					t.Fatalf("Kind = %q, want halted", out.Kind)
				}
				if out.Reason != "no keyword match" {
					t.Errorf("Reason = %q", out.Reason)
				}
				return
			}
			if out.Kind != flow.OutcomeCompleted {
				t.Fatalf("Kind = %q, want completed (%v)", out.Kind, out.Err)
			}
		})
	}
}

func TestTriggerNode_OutputPassthrough(t *testing.T) {
	n := &TriggerNode{}
	run := commentContext(t, nil)

	out := n.Execute(context.Background(), flow.NodeDef{ID: "t0", Type: TypeTrigger}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	m, ok := out.Value.(map[string]any)
	if !ok {
		t.Fatalf("Value = %T, want map", out.Value)
	}
	if m["event_id"] != "evt-1" {
		t.Errorf("event_id = %v", m["event_id"])
	}
	if m["type"] != "comment_received" {
		t.Errorf("type = %v", m["type"])
	}
	if m["sender_id"] != "user-9" {
		t.Errorf("sender_id = %v, want payload passthrough", m["sender_id"])
	}
}

func TestTriggerNode_ValidateConfig(t *testing.T) {
	n := &TriggerNode{}

	diags := n.ValidateConfig(map[string]any{"keywords": []any{"ok", 5}})
	if codes := errDiagCodes(diags); len(codes) != 1 || codes[0] != "ND-001" {
		t.Errorf("diagnostics = %v, want ND-001", diags)
	}

	diags = n.ValidateConfig(map[string]any{"match": "some"})
	if codes := errDiagCodes(diags); len(codes) != 1 || codes[0] != "ND-002" {
		t.Errorf("diagnostics = %v, want ND-002", diags)
	}

	if diags := n.ValidateConfig(map[string]any{"keywords": []any{"price"}, "match": "all"}); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
}

func TestConditionNode_Execute(t *testing.T) {
	n := &ConditionNode{}
	run := commentContext(t, nil)
	cfg := map[string]any{"predicate": map[string]any{
		"source": "trigger.text", "op": "contains", "value": "price", "case_fold": true,
	}}

	out := n.Execute(context.Background(), flow.NodeDef{ID: "c0", Type: TypeCondition, Config: cfg}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (%v)", out.Kind, out.Err)
	}
	m := out.Value.(map[string]any)
	if m["matched"] != true {
		t.Errorf("matched = %v, want true", m["matched"])
	}
}

func TestConditionNode_BadPredicate(t *testing.T) {
	n := &ConditionNode{}

	if diags := n.ValidateConfig(map[string]any{}); len(errDiagCodes(diags)) == 0 {
		t.Error("ValidateConfig(missing predicate) = no error diagnostic")
	}

	run := commentContext(t, nil)
	out := n.Execute(context.Background(), flow.NodeDef{ID: "c0", Config: map[string]any{}}, run)
	if out.Kind != flow.OutcomeFailed {
		t.Errorf("Kind = %q, want failed", out.Kind)
	}
}

func TestConditionNode_ReferencedOutputs(t *testing.T) {
	n := &ConditionNode{}
	cfg := map[string]any{"predicate": map[string]any{
		"source": "output.reply.text", "op": "exists",
	}}

	got := n.ReferencedOutputs(cfg)
	if len(got) != 1 || got[0] != "reply" {
		t.Errorf("ReferencedOutputs() = %v, want [reply]", got)
	}
}

func TestAIReplyNode_Execute(t *testing.T) {
	n := &AIReplyNode{Composer: &instagram.StaticComposer{Reply: "DM sent, check your inbox!"}}
	run := commentContext(t, nil)
	cfg := map[string]any{"prompt": "answer the pricing question"}

	out := n.Execute(context.Background(), flow.NodeDef{ID: "ai0", Config: cfg}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (%v)", out.Kind, out.Err)
	}
	m := out.Value.(map[string]any)
	if m["text"] != "DM sent, check your inbox!" {
		t.Errorf("text = %v", m["text"])
	}
}

func TestAIReplyNode_TransientComposeError(t *testing.T) {
	transient := &instagram.APIError{Code: 429, Message: "rate limited", Transient: true}
	n := &AIReplyNode{Composer: &instagram.StaticComposer{Err: transient}}
	run := commentContext(t, nil)

	out := n.Execute(context.Background(), flow.NodeDef{ID: "ai0", Config: map[string]any{"prompt": "p"}}, run)

	if out.Kind != flow.OutcomeFailed || !out.Retryable {
		t.Errorf("outcome = %+v, want retryable failure", out)
	}
}

func TestAIReplyNode_ValidateConfig(t *testing.T) {
	n := &AIReplyNode{}
	if codes := errDiagCodes(n.ValidateConfig(map[string]any{})); len(codes) != 1 || codes[0] != "ND-020" {
		t.Errorf("ValidateConfig(no prompt) = %v, want ND-020", codes)
	}
	if diags := n.ValidateConfig(map[string]any{"prompt": "p"}); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
}

func TestSendDMNode_Execute(t *testing.T) {
	sender := &instagram.RecorderSender{}
	n := &SendDMNode{Sender: sender}
	run := commentContext(t, nil)
	run.SetOutput("ai0", map[string]any{"text": "here is the price list"})
	cfg := map[string]any{"text": "output.ai0.text"}

	out := n.Execute(context.Background(), flow.NodeDef{ID: "dm0", Config: cfg}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (%v)", out.Kind, out.Err)
	}
	if len(sender.Sent) != 1 {
		t.Fatalf("Sent = %v, want 1 action", sender.Sent)
	}
	got := sender.Sent[0]
	if got.Kind != "send_dm" || got.Target != "user-9" || got.Text != "here is the price list" {
		t.Errorf("Sent[0] = %+v", got)
	}
	if !run.ActionSucceeded("dm0", "send_dm") {
		t.Error("delivery not recorded in ledger")
	}
}

func TestSendDMNode_SkipsWhenAlreadyDelivered(t *testing.T) {
	sender := &instagram.RecorderSender{}
	n := &SendDMNode{Sender: sender}
	run := commentContext(t, nil)
	run.RecordAttempt("dm0", "send_dm", 1, flow.LedgerSucceeded, "")

	out := n.Execute(context.Background(), flow.NodeDef{ID: "dm0", Config: map[string]any{"text": "hi"}}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed", out.Kind)
	}
	m := out.Value.(map[string]any)
	if m["skipped"] != true {
		t.Errorf("skipped = %v, want true", m["skipped"])
	}
	if len(sender.Sent) != 0 {
		t.Errorf("Sent = %v, want no delivery on ledger hit", sender.Sent)
	}
}

func TestSendDMNode_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient", &instagram.APIError{Code: 503, Message: "upstream", Transient: true}, true},
		{"permanent", &instagram.APIError{Code: 401, Message: "token revoked"}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &instagram.RecorderSender{Fail: tt.err}
			n := &SendDMNode{Sender: sender}
			run := commentContext(t, nil)

			out := n.Execute(context.Background(), flow.NodeDef{ID: "dm0", Config: map[string]any{"text": "hi"}}, run)

			if out.Kind != flow.OutcomeFailed {
				t.Fatalf("Kind = %q, want failed", out.Kind)
			}
			if out.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", out.Retryable, tt.retryable)
			}
			if run.Attempts("dm0", "send_dm") != 1 {
				t.Errorf("ledger attempts = %d, want 1", run.Attempts("dm0", "send_dm"))
			}
			if run.ActionSucceeded("dm0", "send_dm") {
				t.Error("failed attempt recorded as success")
			}
		})
	}
}

func TestReplyCommentNode_Execute(t *testing.T) {
	sender := &instagram.RecorderSender{}
	n := &ReplyCommentNode{Sender: sender}
	run := commentContext(t, nil)

	out := n.Execute(context.Background(), flow.NodeDef{ID: "rc0", Config: map[string]any{"text": "thanks!"}}, run)

	if out.Kind != flow.OutcomeCompleted {
		t.Fatalf("Kind = %q, want completed (%v)", out.Kind, out.Err)
	}
	if len(sender.Sent) != 1 || sender.Sent[0].Kind != "reply_comment" || sender.Sent[0].Target != "cmt-77" {
		t.Errorf("Sent = %+v, want reply to cmt-77", sender.Sent)
	}
}

func TestActionNodes_ValidateConfig(t *testing.T) {
	dm := &SendDMNode{}
	if codes := errDiagCodes(dm.ValidateConfig(map[string]any{})); len(codes) != 1 || codes[0] != "ND-030" {
		t.Errorf("SendDM diagnostics = %v, want ND-030", codes)
	}
	rc := &ReplyCommentNode{}
	if codes := errDiagCodes(rc.ValidateConfig(map[string]any{"text": ""})); len(codes) != 1 || codes[0] != "ND-031" {
		t.Errorf("ReplyComment diagnostics = %v, want ND-031", codes)
	}
}

func TestDelayNode_SuspendThenComplete(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := &DelayNode{Now: func() time.Time { return base }}
	run := commentContext(t, nil)
	def := flow.NodeDef{ID: "d0", Config: map[string]any{"duration_ms": 60000}}

	first := n.Execute(context.Background(), def, run)
	if first.Kind != flow.OutcomeSuspended {
		t.Fatalf("first Kind = %q, want suspended (%v)", first.Kind, first.Err)
	}
	if first.ResumeToken == "" {
		t.Error("ResumeToken empty")
	}
	if want := base.Add(time.Minute); !first.ResumeAfter.Equal(want) {
		t.Errorf("ResumeAfter = %v, want %v", first.ResumeAfter, want)
	}

	// Re-entry after resume: the ledger shows the wait happened.
	second := n.Execute(context.Background(), def, run)
	if second.Kind != flow.OutcomeCompleted {
		t.Fatalf("second Kind = %q, want completed", second.Kind)
	}
	m := second.Value.(map[string]any)
	if m["waited_ms"] != int64(60000) {
		t.Errorf("waited_ms = %v, want 60000", m["waited_ms"])
	}
}

func TestDelayNode_ValidateConfig(t *testing.T) {
	n := &DelayNode{}
	for _, cfg := range []map[string]any{
		{},
		{"duration_ms": 0},
		{"duration_ms": -5},
		{"duration_ms": "soon"},
	} {
		if codes := errDiagCodes(n.ValidateConfig(cfg)); len(codes) != 1 || codes[0] != "ND-040" {
			t.Errorf("ValidateConfig(%v) = %v, want ND-040", cfg, codes)
		}
	}
	if diags := n.ValidateConfig(map[string]any{"duration_ms": float64(1500)}); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
}

func TestStopNode_Execute(t *testing.T) {
	n := &StopNode{}
	run := commentContext(t, nil)

	out := n.Execute(context.Background(), flow.NodeDef{ID: "s0", Config: map[string]any{"reason": "handled elsewhere"}}, run)
	if out.Kind != flow.OutcomeHalted || out.Reason != "handled elsewhere" {
		t.Errorf("outcome = %+v, want halted with reason", out)
	}

	out = n.Execute(context.Background(), flow.NodeDef{ID: "s0"}, run)
	if out.Reason != "stopped" {
		t.Errorf("default Reason = %q, want stopped", out.Reason)
	}
}

func TestResolveString(t *testing.T) {
	run := commentContext(t, nil)
	run.SetOutput("ai0", map[string]any{"text": "composed"})

	tests := []struct {
		raw  string
		want string
	}{
		{"literal text", "literal text"},
		{"trigger.sender_id", "user-9"},
		{"output.ai0.text", "composed"},
	}
	for _, tt := range tests {
		got, err := resolveString(run, tt.raw)
		if err != nil {
			t.Errorf("resolveString(%q) error = %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("resolveString(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	if _, err := resolveString(run, "trigger.missing"); err == nil {
		t.Error("resolveString(dangling reference) error = nil, want error")
	}
}
