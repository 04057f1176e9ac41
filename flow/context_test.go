package flow

import (
	"errors"
	"testing"
	"time"
)

func testTrigger() TriggerEvent {
	return TriggerEvent{
		Type:    TriggerCommentReceived,
		EventID: "evt-123",
		Payload: map[string]any{
			"text":      "what is the price?",
			"sender_id": "user-9",
			"meta":      map[string]any{"post_id": "post-1"},
		},
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExecutionContext_SetOutput_Duplicate(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))

	if err := ec.SetOutput("a", "first"); err != nil {
		t.Fatalf("SetOutput() error = %v", err)
	}
	err := ec.SetOutput("a", "second")

	if !errors.Is(err, ErrDuplicateOutput) {
		t.Errorf("SetOutput() error = %v, want ErrDuplicateOutput", err)
	}
	v, _ := ec.Output("a")
	if v != "first" {
		t.Errorf("Output() = %v, want first write preserved", v)
	}
}

func TestExecutionContext_Output_NotReady(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))

	_, err := ec.Output("later")

	if !errors.Is(err, ErrOutputNotReady) {
		t.Errorf("Output() error = %v, want ErrOutputNotReady", err)
	}
}

func TestExecutionContext_OutputOrder(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))
	for _, id := range []string{"c", "a", "b"} {
		if err := ec.SetOutput(id, id); err != nil {
			t.Fatalf("SetOutput(%q) error = %v", id, err)
		}
	}

	order := ec.OutputOrder()
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("OutputOrder()[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestExecutionContext_LedgerKey(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))

	if got := ec.LedgerKey("dm-1"); got != "evt-123:dm-1" {
		t.Errorf("LedgerKey() = %q, want evt-123:dm-1", got)
	}
}

func TestExecutionContext_Ledger(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))

	ec.RecordAttempt("dm-1", "send_dm", 1, LedgerFailed, "rate limited")
	ec.RecordAttempt("dm-1", "send_dm", 2, LedgerSucceeded, "")

	if got := ec.Attempts("dm-1", "send_dm"); got != 2 {
		t.Errorf("Attempts() = %d, want 2", got)
	}
	if !ec.ActionSucceeded("dm-1", "send_dm") {
		t.Error("ActionSucceeded() = false, want true")
	}
	if ec.ActionSucceeded("dm-1", "reply_comment") {
		t.Error("ActionSucceeded() for unrelated action = true, want false")
	}
}

func TestExecutionContext_Resolve(t *testing.T) {
	ec := NewExecutionContext(testTrigger(), time.Now().Add(time.Minute))
	if err := ec.SetOutput("cond", map[string]any{"matched": true}); err != nil {
		t.Fatalf("SetOutput() error = %v", err)
	}

	tests := []struct {
		path    string
		want    any
		wantOK  bool
		wantErr bool
	}{
		{path: "trigger.text", want: "what is the price?", wantOK: true},
		{path: "trigger.meta.post_id", want: "post-1", wantOK: true},
		{path: "trigger.missing", wantOK: false},
		{path: "output.cond.matched", want: true, wantOK: true},
		{path: "output.cond.other", wantOK: false},
		{path: "output.ghost", wantErr: true},
		{path: "bogus", wantErr: true},
	}
	for _, tt := range tests {
		got, ok, err := ec.Resolve(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Resolve(%q) error = nil, want error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%q) error = %v", tt.path, err)
			continue
		}
		if ok != tt.wantOK {
			t.Errorf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if tt.wantOK && got != tt.want {
			t.Errorf("Resolve(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExecutionContext_SnapshotRestore(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	ec := NewExecutionContext(testTrigger(), deadline)
	if err := ec.SetOutput("a", "one"); err != nil {
		t.Fatalf("SetOutput() error = %v", err)
	}
	if err := ec.SetOutput("b", map[string]any{"n": 2}); err != nil {
		t.Fatalf("SetOutput() error = %v", err)
	}
	ec.RecordAttempt("a", "send_dm", 1, LedgerSucceeded, "")
	ec.bumpStep()
	ec.bumpStep()

	restored := RestoreContext(ec.Snapshot())

	if restored.Trigger().EventID != "evt-123" {
		t.Errorf("restored trigger = %q, want evt-123", restored.Trigger().EventID)
	}
	if restored.Steps() != 2 {
		t.Errorf("restored steps = %d, want 2", restored.Steps())
	}
	if !restored.Deadline().Equal(deadline) {
		t.Errorf("restored deadline = %v, want %v", restored.Deadline(), deadline)
	}
	if v, _ := restored.Output("a"); v != "one" {
		t.Errorf("restored output a = %v, want one", v)
	}
	if !restored.ActionSucceeded("a", "send_dm") {
		t.Error("restored ledger lost the succeeded entry")
	}
	order := restored.OutputOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("restored output order = %v, want [a b]", order)
	}
	// New writes to the restored context still enforce the invariant.
	if err := restored.SetOutput("a", "again"); !errors.Is(err, ErrDuplicateOutput) {
		t.Errorf("SetOutput() after restore error = %v, want ErrDuplicateOutput", err)
	}
}
