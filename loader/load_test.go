package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gramflow-labs/gramflow/flow"
)

const yamlGraph = `
id: price-responder
name: Price question responder
nodes:
  - id: t0
    type: trigger
    config:
      keywords: [price, cost]
  - id: c0
    type: condition
    config:
      predicate:
        source: trigger.text
        op: contains
        value: price
        case_fold: true
  - id: dm0
    type: send_dm
    config:
      text: "DM sent, check your inbox!"
edges:
  - source: t0
    target: c0
  - source: c0
    target: dm0
    condition:
      source: output.c0.matched
      op: truthy
entries:
  comment_received: t0
`

const jsonGraph = `{
  "id": "price-responder",
  "nodes": [
    {"id": "t0", "type": "trigger"},
    {"id": "dm0", "type": "send_dm", "config": {"text": "hello"}}
  ],
  "edges": [{"source": "t0", "target": "dm0"}],
  "entries": {"comment_received": "t0"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	def, err := Load(writeFile(t, "graph.yaml", yamlGraph))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "price-responder" {
		t.Errorf("ID = %q", def.ID)
	}
	if len(def.Nodes) != 3 || len(def.Edges) != 2 {
		t.Errorf("nodes/edges = %d/%d, want 3/2", len(def.Nodes), len(def.Edges))
	}
	if def.Entries[flow.TriggerCommentReceived] != "t0" {
		t.Errorf("entries = %v", def.Entries)
	}

	// Edge predicates decode into structured conditions.
	cond := def.Edges[1].Condition
	if cond == nil || cond.Source != "output.c0.matched" {
		t.Fatalf("edge condition = %+v", cond)
	}

	// Node configs stay generic maps for the handlers to interpret.
	kw, ok := def.Nodes[0].Config["keywords"].([]any)
	if !ok || len(kw) != 2 {
		t.Errorf("trigger keywords = %v", def.Nodes[0].Config["keywords"])
	}
}

func TestLoad_JSON(t *testing.T) {
	def, err := Load(writeFile(t, "graph.json", jsonGraph))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if def.ID != "price-responder" || len(def.Nodes) != 2 {
		t.Errorf("def = %+v", def)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		path string
		want string
	}{
		{"missing id", `{"nodes": [{"id": "a", "type": "stop"}]}`, "g.json", "id is required"},
		{"no nodes", `{"id": "g"}`, "g.json", flow.ErrEmptyGraph.Error()},
		{"bad yaml", "id: [unclosed", "g.yaml", "parsing YAML"},
		{"bad json", "{not json", "g.json", "parsing JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
		path string
		want Format
	}{
		{"yaml ext", "", "flow.yaml", FormatYAML},
		{"yml ext", "", "flow.yml", FormatYAML},
		{"json ext", "", "flow.json", FormatJSON},
		{"sniff json", "  \n{\"id\": \"g\"}", "flow", FormatJSON},
		{"sniff yaml", "id: g", "flow", FormatYAML},
	}
	for _, tt := range tests {
		if got := DetectFormat([]byte(tt.data), tt.path); got != tt.want {
			t.Errorf("%s: DetectFormat() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLoadAndCompile(t *testing.T) {
	reg := flow.NewRegistry()
	for _, typ := range []string{"trigger", "send_dm"} {
		reg.MustRegister(typ, flow.HandlerFunc(nil))
	}

	g, diags, err := LoadAndCompile(writeFile(t, "graph.json", jsonGraph), reg)
	if err != nil {
		t.Fatalf("LoadAndCompile() error = %v (%v)", err, diags)
	}
	if g.ID() != "price-responder" {
		t.Errorf("compiled graph ID = %q", g.ID())
	}
}
