// Package loader reads automation graph definitions from JSON and YAML
// files, the formats the dashboard exports and operators hand-author.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gramflow-labs/gramflow/flow"
)

// Format identifies the serialization of a graph file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat picks the parse format from the file extension, falling
// back to content sniffing for extensionless input: JSON graph exports
// always start with an object brace.
func DetectFormat(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and parses a graph definition file. The result is parsed
// only; callers validate it against their registry before use.
func Load(path string) (*flow.GraphDef, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a graph definition from raw bytes. The path is used
// only for format detection and error attribution.
func Parse(data []byte, path string) (*flow.GraphDef, error) {
	var def flow.GraphDef
	switch DetectFormat(data, path) {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing JSON %s: %w", path, err)
		}
	}
	if def.ID == "" {
		return nil, fmt.Errorf("graph file %s: id is required", path)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("graph file %s: %w", path, flow.ErrEmptyGraph)
	}
	return &def, nil
}

// LoadAndCompile loads a graph file and compiles it against the
// registry, returning all validation diagnostics on failure.
func LoadAndCompile(path string, reg *flow.Registry) (*flow.Graph, []flow.Diagnostic, error) {
	def, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	return flow.Compile(def, reg)
}
