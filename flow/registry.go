package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateNodeType = errors.New("node type already registered")
	ErrUnknownNodeType   = errors.New("unknown node type")
)

// Handler implements one node type. ValidateConfig must be free of side
// effects so the editor can validate drafts without touching live data;
// all side effects are confined to Execute.
type Handler interface {
	// ValidateConfig checks a node's configuration. It runs at graph
	// save time and again defensively before execution.
	ValidateConfig(config map[string]any) []Diagnostic

	// Execute runs the node against the execution context. It may read
	// and write context state and call external services, and reports
	// what happened as an Outcome. The node carries its ID so handlers
	// can key ledger entries for idempotent side effects.
	Execute(ctx context.Context, node NodeDef, run *ExecutionContext) Outcome
}

// HandlerFunc adapts a function to a Handler with no config validation.
// Convenient for tests and trivial node types.
type HandlerFunc func(ctx context.Context, node NodeDef, run *ExecutionContext) Outcome

// ValidateConfig accepts any configuration.
func (f HandlerFunc) ValidateConfig(config map[string]any) []Diagnostic { return nil }

// Execute invokes the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, node NodeDef, run *ExecutionContext) Outcome {
	return f(ctx, node, run)
}

// Registry maps node-type identifiers to handlers. It is populated once
// at process start and treated as immutable afterwards; runs share it
// without locking beyond the registration phase.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

// NewRegistry creates an empty registry. Tests construct their own
// isolated instance instead of sharing process-wide state.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a node type. Registering the same type
// twice is a programming error and fails with ErrDuplicateNodeType.
func (r *Registry) Register(nodeType string, h Handler) error {
	if nodeType == "" {
		return errors.New("node type is required")
	}
	if h == nil {
		return fmt.Errorf("node type %q: handler is nil", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[nodeType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNodeType, nodeType)
	}
	r.handlers[nodeType] = h
	r.order = append(r.order, nodeType)
	return nil
}

// MustRegister is Register that panics on error, for start-up wiring
// where a duplicate registration is unrecoverable.
func (r *Registry) MustRegister(nodeType string, h Handler) {
	if err := r.Register(nodeType, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a node type, or ErrUnknownNodeType.
// Used at graph-validation time and re-checked at dispatch, since graphs
// persist across registry changes.
func (r *Registry) Resolve(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return h, nil
}

// Types returns all registered node types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Ensure interface compliance at compile time.
var _ Handler = (HandlerFunc)(nil)
