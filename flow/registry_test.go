package flow

import (
	"context"
	"errors"
	"testing"
)

func noopHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ NodeDef, _ *ExecutionContext) Outcome {
		return Completed(nil)
	})
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("send_dm", noopHandler()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := reg.Register("send_dm", noopHandler())

	if !errors.Is(err, ErrDuplicateNodeType) {
		t.Errorf("Register() error = %v, want ErrDuplicateNodeType", err)
	}
}

func TestRegistry_Register_Empty(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("", noopHandler()); err == nil {
		t.Error("Register() with empty type should fail")
	}
	if err := reg.Register("x", nil); err == nil {
		t.Error("Register() with nil handler should fail")
	}
}

func TestRegistry_Resolve_Unknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve("mystery")

	if !errors.Is(err, ErrUnknownNodeType) {
		t.Errorf("Resolve() error = %v, want ErrUnknownNodeType", err)
	}
}

func TestRegistry_Types_RegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("trigger", noopHandler())
	reg.MustRegister("condition", noopHandler())
	reg.MustRegister("send_dm", noopHandler())

	types := reg.Types()
	want := []string{"trigger", "condition", "send_dm"}
	if len(types) != len(want) {
		t.Fatalf("len(Types()) = %d, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}
