// Package condition provides the structured predicates that gate edges in
// an automation graph. Predicates are authored as structured config (not a
// string DSL) so the dashboard editor can build and validate them as forms.
package condition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op is a comparison operator applied to a resolved value.
type Op string

const (
	// OpContains checks that the value contains Value as a substring.
	OpContains Op = "contains"

	// OpEquals checks string equality against Value.
	OpEquals Op = "equals"

	// OpNotEquals checks string inequality against Value.
	OpNotEquals Op = "not_equals"

	// OpExists checks that the source path resolves to a non-nil value.
	OpExists Op = "exists"

	// OpTruthy checks that the resolved value is a true boolean,
	// a non-empty string, or a non-zero number.
	OpTruthy Op = "truthy"
)

// Predicate errors.
var (
	ErrInvalidPredicate = errors.New("invalid predicate")
	ErrUnknownOp        = errors.New("unknown predicate operator")
)

// Resolver resolves a source path against run state. The execution context
// implements this; paths are "trigger.<field>" for trigger payload fields
// and "output.<nodeID>" or "output.<nodeID>.<field>" for node outputs.
type Resolver interface {
	Resolve(path string) (any, bool, error)
}

// Predicate is a single comparison or a boolean combination of children.
// Exactly one of All, Any, Not, or a leaf (Source+Op) may be set.
type Predicate struct {
	All []Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Predicate `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Predicate  `json:"not,omitempty" yaml:"not,omitempty"`

	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Op     Op     `json:"op,omitempty" yaml:"op,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`

	// CaseFold makes string comparisons case-insensitive.
	CaseFold bool `json:"case_fold,omitempty" yaml:"case_fold,omitempty"`
}

// Validate checks predicate structure without resolving anything.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}

	groups := 0
	if len(p.All) > 0 {
		groups++
	}
	if len(p.Any) > 0 {
		groups++
	}
	if p.Not != nil {
		groups++
	}
	if p.Source != "" || p.Op != "" {
		groups++
	}

	if groups == 0 {
		return fmt.Errorf("%w: empty predicate", ErrInvalidPredicate)
	}
	if groups > 1 {
		return fmt.Errorf("%w: combine exactly one of all/any/not or a leaf comparison", ErrInvalidPredicate)
	}

	for i := range p.All {
		if err := p.All[i].Validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i := range p.Any {
		if err := p.Any[i].Validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	if p.Not != nil {
		return p.Not.Validate()
	}

	if p.Source == "" {
		return fmt.Errorf("%w: leaf predicate missing source", ErrInvalidPredicate)
	}
	switch p.Op {
	case OpContains, OpEquals, OpNotEquals:
		if p.Value == nil {
			return fmt.Errorf("%w: operator %q requires a value", ErrInvalidPredicate, p.Op)
		}
	case OpExists, OpTruthy:
	case "":
		return fmt.Errorf("%w: leaf predicate missing operator", ErrInvalidPredicate)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, p.Op)
	}
	return nil
}

// ReferencedOutputs returns the node IDs whose outputs this predicate
// reads, used by graph validation to enforce topological ordering.
func (p *Predicate) ReferencedOutputs() []string {
	if p == nil {
		return nil
	}
	var ids []string
	seen := make(map[string]bool)

	var walk func(q *Predicate)
	walk = func(q *Predicate) {
		if q == nil {
			return
		}
		for i := range q.All {
			walk(&q.All[i])
		}
		for i := range q.Any {
			walk(&q.Any[i])
		}
		walk(q.Not)

		if id, ok := OutputNodeID(q.Source); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	walk(p)
	return ids
}

// OutputNodeID extracts the node ID from an "output.<nodeID>[...]" path.
func OutputNodeID(path string) (string, bool) {
	if !strings.HasPrefix(path, "output.") {
		return "", false
	}
	rest := strings.TrimPrefix(path, "output.")
	if rest == "" {
		return "", false
	}
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest, rest != ""
}

// Eval evaluates the predicate against the given resolver.
// Resolution errors (e.g. referencing an output that has not been
// produced) propagate to the caller.
func (p *Predicate) Eval(r Resolver) (bool, error) {
	if p == nil {
		return true, nil
	}

	switch {
	case len(p.All) > 0:
		for i := range p.All {
			ok, err := p.All[i].Eval(r)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(p.Any) > 0:
		for i := range p.Any {
			ok, err := p.Any[i].Eval(r)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case p.Not != nil:
		ok, err := p.Not.Eval(r)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	return p.evalLeaf(r)
}

func (p *Predicate) evalLeaf(r Resolver) (bool, error) {
	val, found, err := r.Resolve(p.Source)
	if err != nil {
		return false, err
	}

	switch p.Op {
	case OpExists:
		return found && val != nil, nil

	case OpTruthy:
		if !found {
			return false, nil
		}
		return isTruthy(val), nil

	case OpContains:
		if !found {
			return false, nil
		}
		have, want := stringify(val), stringify(p.Value)
		if p.CaseFold {
			have, want = strings.ToLower(have), strings.ToLower(want)
		}
		return strings.Contains(have, want), nil

	case OpEquals, OpNotEquals:
		if !found {
			return p.Op == OpNotEquals, nil
		}
		have, want := stringify(val), stringify(p.Value)
		if p.CaseFold {
			have, want = strings.ToLower(have), strings.ToLower(want)
		}
		eq := have == want
		if p.Op == OpNotEquals {
			return !eq, nil
		}
		return eq, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOp, p.Op)
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// FromConfig parses a predicate from a decoded config map, as stored in
// edge definitions and condition node configs.
func FromConfig(raw map[string]any) (*Predicate, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidPredicate)
	}
	p := &Predicate{}
	if err := decodeInto(raw, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeInto(raw map[string]any, p *Predicate) error {
	if src, ok := raw["source"].(string); ok {
		p.Source = src
	}
	if op, ok := raw["op"].(string); ok {
		p.Op = Op(op)
	}
	if v, ok := raw["value"]; ok {
		p.Value = v
	}
	if cf, ok := raw["case_fold"].(bool); ok {
		p.CaseFold = cf
	}
	if children, ok := raw["all"].([]any); ok {
		decoded, err := decodeChildren(children, "all")
		if err != nil {
			return err
		}
		p.All = decoded
	}
	if children, ok := raw["any"].([]any); ok {
		decoded, err := decodeChildren(children, "any")
		if err != nil {
			return err
		}
		p.Any = decoded
	}
	if child, ok := raw["not"].(map[string]any); ok {
		sub := &Predicate{}
		if err := decodeInto(child, sub); err != nil {
			return err
		}
		p.Not = sub
	}
	return nil
}

func decodeChildren(children []any, field string) ([]Predicate, error) {
	out := make([]Predicate, 0, len(children))
	for i, c := range children {
		m, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] is not a map", ErrInvalidPredicate, field, i)
		}
		sub := Predicate{}
		if err := decodeInto(m, &sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
