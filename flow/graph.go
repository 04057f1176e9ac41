package flow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gramflow-labs/gramflow/flow/condition"
)

// Graph validation errors. All of these are caught when a graph is loaded
// or activated; none can surface during a run.
var (
	ErrEmptyGraph        = errors.New("graph has no nodes")
	ErrDuplicateNode     = errors.New("duplicate node ID")
	ErrDanglingEdge      = errors.New("edge references unknown node")
	ErrGraphCycle        = errors.New("cycle reachable from entry")
	ErrNoEntry           = errors.New("graph declares no entry nodes")
	ErrInvalidNodeConfig = errors.New("invalid node configuration")
	ErrAmbiguousEdges    = errors.New("multiple unconditional edges from one node")
	ErrGraphInvalid      = errors.New("graph failed validation")
)

// Severity levels for diagnostics.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic is a single validation finding, attributed to the node or
// edge that caused it so the authoring UI can highlight it precisely.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	NodeID   string `json:"node_id,omitempty"`
	Edge     string `json:"edge,omitempty"` // "source -> target"
}

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// NodeDef is a serializable node within a graph definition. Config is
// opaque to the engine and validated by the registered handler for Type.
// Position is editor metadata and irrelevant to execution.
type NodeDef struct {
	ID       string         `json:"id" yaml:"id"`
	Type     string         `json:"type" yaml:"type"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position [2]float64     `json:"position,omitempty" yaml:"position,omitempty"`
}

// EdgeDef is a possible transition between two nodes. A nil Condition
// makes the edge unconditional. Priority breaks ties deterministically
// when several edges leave the same node: lower runs first.
type EdgeDef struct {
	Source    string               `json:"source" yaml:"source"`
	Target    string               `json:"target" yaml:"target"`
	Priority  int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Condition *condition.Predicate `json:"condition,omitempty" yaml:"condition,omitempty"`
}

func (e EdgeDef) label() string {
	return e.Source + " -> " + e.Target
}

// GraphDef is the serializable representation of one user-authored
// automation: nodes, edges, and entry nodes keyed by trigger type.
type GraphDef struct {
	ID       string                 `json:"id" yaml:"id"`
	Owner    string                 `json:"owner,omitempty" yaml:"owner,omitempty"`
	Name     string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version  string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Nodes    []NodeDef              `json:"nodes" yaml:"nodes"`
	Edges    []EdgeDef              `json:"edges,omitempty" yaml:"edges,omitempty"`
	Entries  map[TriggerType]string `json:"entries" yaml:"entries"`
	Schedule string                 `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expr for the scheduled entry
}

// Validate checks the definition against the registry and returns all
// findings. A graph with error-severity diagnostics is never eligible
// to run.
func (gd *GraphDef) Validate(reg *Registry) []Diagnostic {
	var diags []Diagnostic

	if len(gd.Nodes) == 0 {
		return []Diagnostic{{Code: "GV-001", Severity: SeverityError, Message: ErrEmptyGraph.Error()}}
	}

	nodeByID := make(map[string]NodeDef, len(gd.Nodes))
	for _, n := range gd.Nodes {
		if _, dup := nodeByID[n.ID]; dup {
			diags = append(diags, Diagnostic{
				Code: "GV-002", Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("%s: %q", ErrDuplicateNode, n.ID),
			})
			continue
		}
		nodeByID[n.ID] = n
	}

	// Node types must resolve in the registry before anything else; a
	// persisted graph can outlive a registry change.
	handlers := make(map[string]Handler, len(gd.Nodes))
	for _, n := range gd.Nodes {
		h, err := reg.Resolve(n.Type)
		if err != nil {
			diags = append(diags, Diagnostic{
				Code: "GV-003", Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("node %q: %v", n.ID, err),
			})
			continue
		}
		handlers[n.ID] = h
	}

	edgesOK := true
	for _, e := range gd.Edges {
		if _, ok := nodeByID[e.Source]; !ok {
			diags = append(diags, Diagnostic{
				Code: "GV-004", Severity: SeverityError, Edge: e.label(),
				Message: fmt.Sprintf("%s: source %q", ErrDanglingEdge, e.Source),
			})
			edgesOK = false
		}
		if _, ok := nodeByID[e.Target]; !ok {
			diags = append(diags, Diagnostic{
				Code: "GV-004", Severity: SeverityError, Edge: e.label(),
				Message: fmt.Sprintf("%s: target %q", ErrDanglingEdge, e.Target),
			})
			edgesOK = false
		}
		if e.Condition != nil {
			if err := e.Condition.Validate(); err != nil {
				diags = append(diags, Diagnostic{
					Code: "GV-005", Severity: SeverityError, Edge: e.label(),
					Message: fmt.Sprintf("edge condition: %v", err),
				})
			}
		}
	}

	if len(gd.Entries) == 0 {
		diags = append(diags, Diagnostic{
			Code: "GV-006", Severity: SeverityError, Message: ErrNoEntry.Error(),
		})
	}
	for tt, id := range gd.Entries {
		if _, ok := nodeByID[id]; !ok {
			diags = append(diags, Diagnostic{
				Code: "GV-007", Severity: SeverityError, NodeID: id,
				Message: fmt.Sprintf("entry for trigger %q references unknown node %q", tt, id),
			})
		}
	}

	// Two unconditional edges from one node would make edge selection
	// ambiguous at runtime; reject at validation instead.
	unconditional := make(map[string]int)
	for _, e := range gd.Edges {
		if e.Condition == nil {
			unconditional[e.Source]++
		}
	}
	for src, n := range unconditional {
		if n > 1 {
			diags = append(diags, Diagnostic{
				Code: "GV-008", Severity: SeverityError, NodeID: src,
				Message: fmt.Sprintf("%s: node %q has %d", ErrAmbiguousEdges, src, n),
			})
		}
	}

	// Cycle check is per entry: only cycles reachable from a declared
	// entry can cause a runaway run.
	if edgesOK {
		succ := successorEdges(gd.Edges)
		for tt, entry := range gd.Entries {
			if _, ok := nodeByID[entry]; !ok {
				continue
			}
			if offending, found := cycleFrom(entry, succ); found {
				diags = append(diags, Diagnostic{
					Code: "GV-009", Severity: SeverityError, Edge: offending.label(),
					Message: fmt.Sprintf("%s %q: edge %s closes a cycle", ErrGraphCycle, tt, offending.label()),
				})
			}
		}
	}

	// Per-node config validation, plus the static ordering check: a node
	// (or an edge leaving it) may only reference outputs of its ancestors.
	ancestors := ancestorSets(gd.Edges)
	for _, n := range gd.Nodes {
		h, ok := handlers[n.ID]
		if !ok {
			continue
		}
		for _, d := range h.ValidateConfig(n.Config) {
			if d.NodeID == "" {
				d.NodeID = n.ID
			}
			diags = append(diags, d)
		}
		if refs := referencedOutputs(h, n.Config); len(refs) > 0 {
			for _, ref := range refs {
				if !ancestors[n.ID][ref] {
					diags = append(diags, Diagnostic{
						Code: "GV-010", Severity: SeverityError, NodeID: n.ID,
						Message: fmt.Sprintf("%s: node %q references output of %q, which does not precede it", ErrInvalidNodeConfig, n.ID, ref),
					})
				}
			}
		}
	}
	for _, e := range gd.Edges {
		if e.Condition == nil {
			continue
		}
		for _, ref := range e.Condition.ReferencedOutputs() {
			if ref != e.Source && !ancestors[e.Source][ref] {
				diags = append(diags, Diagnostic{
					Code: "GV-010", Severity: SeverityError, Edge: e.label(),
					Message: fmt.Sprintf("%s: edge condition references output of %q, which does not precede %q", ErrInvalidNodeConfig, ref, e.Source),
				})
			}
		}
	}

	// Warning: nodes unreachable from every entry never execute.
	reachable := make(map[string]bool)
	succ := successorEdges(gd.Edges)
	for _, entry := range gd.Entries {
		markReachable(entry, succ, reachable)
	}
	for _, n := range gd.Nodes {
		if !reachable[n.ID] {
			diags = append(diags, Diagnostic{
				Code: "GV-011", Severity: SeverityWarning, NodeID: n.ID,
				Message: fmt.Sprintf("node %q is not reachable from any entry", n.ID),
			})
		}
	}

	return diags
}

// OutputReferencer is optionally implemented by handlers whose config can
// read outputs of earlier nodes. Validation uses it to enforce that such
// references respect topological order.
type OutputReferencer interface {
	ReferencedOutputs(config map[string]any) []string
}

func referencedOutputs(h Handler, cfg map[string]any) []string {
	if ref, ok := h.(OutputReferencer); ok {
		return ref.ReferencedOutputs(cfg)
	}
	return nil
}

// Graph is the validated, immutable runtime form of a GraphDef.
// Outgoing edges are pre-sorted by priority with the unconditional edge
// last, so the executor's edge selection is a straight scan.
type Graph struct {
	def      *GraphDef
	nodes    map[string]NodeDef
	outEdges map[string][]EdgeDef
}

// Compile validates the definition and returns the immutable runtime
// graph. The returned error wraps ErrGraphInvalid and the first
// error-severity diagnostic's message.
func Compile(gd *GraphDef, reg *Registry) (*Graph, []Diagnostic, error) {
	diags := gd.Validate(reg)
	if HasErrors(diags) {
		first := ""
		for _, d := range diags {
			if d.Severity == SeverityError {
				first = d.Message
				break
			}
		}
		return nil, diags, fmt.Errorf("%w: %s", ErrGraphInvalid, first)
	}

	g := &Graph{
		def:      gd,
		nodes:    make(map[string]NodeDef, len(gd.Nodes)),
		outEdges: make(map[string][]EdgeDef),
	}
	for _, n := range gd.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range gd.Edges {
		g.outEdges[e.Source] = append(g.outEdges[e.Source], e)
	}
	for src := range g.outEdges {
		edges := g.outEdges[src]
		sort.SliceStable(edges, func(i, j int) bool {
			// Unconditional edge is the fallback: always evaluated last.
			if (edges[i].Condition == nil) != (edges[j].Condition == nil) {
				return edges[j].Condition == nil
			}
			return edges[i].Priority < edges[j].Priority
		})
	}
	return g, diags, nil
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.def.ID }

// Definition returns the underlying definition.
func (g *Graph) Definition() *GraphDef { return g.def }

// Node returns the node definition for the given ID.
func (g *Graph) Node(id string) (NodeDef, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// EntryFor returns the entry node for a trigger type, if the graph
// subscribes to it.
func (g *Graph) EntryFor(t TriggerType) (string, bool) {
	id, ok := g.def.Entries[t]
	return id, ok
}

// OutEdges returns the outgoing edges of a node in evaluation order.
func (g *Graph) OutEdges(id string) []EdgeDef {
	return g.outEdges[id]
}

func successorEdges(edges []EdgeDef) map[string][]EdgeDef {
	succ := make(map[string][]EdgeDef)
	for _, e := range edges {
		succ[e.Source] = append(succ[e.Source], e)
	}
	return succ
}

// cycleFrom runs a depth-first search from entry and reports the first
// back edge found, which is the edge closing a cycle.
func cycleFrom(entry string, succ map[string][]EdgeDef) (EdgeDef, bool) {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(id string) (EdgeDef, bool)
	visit = func(id string) (EdgeDef, bool) {
		state[id] = inStack
		for _, e := range succ[id] {
			switch state[e.Target] {
			case inStack:
				return e, true
			case unvisited:
				if off, found := visit(e.Target); found {
					return off, true
				}
			}
		}
		state[id] = done
		return EdgeDef{}, false
	}
	return visit(entry)
}

// ancestorSets computes, for each node, the set of nodes from which it is
// reachable. Runs once at validation time; graph sizes are editor-bounded.
func ancestorSets(edges []EdgeDef) map[string]map[string]bool {
	succ := successorEdges(edges)
	out := make(map[string]map[string]bool)

	var mark func(root, id string, seen map[string]bool)
	mark = func(root, id string, seen map[string]bool) {
		for _, e := range succ[id] {
			if seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			if out[e.Target] == nil {
				out[e.Target] = make(map[string]bool)
			}
			out[e.Target][root] = true
			mark(root, e.Target, seen)
		}
	}
	for src := range succ {
		mark(src, src, make(map[string]bool))
	}
	return out
}

func markReachable(id string, succ map[string][]EdgeDef, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	for _, e := range succ[id] {
		markReachable(e.Target, succ, seen)
	}
}
