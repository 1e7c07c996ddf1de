package catalog

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envExpander replaces ${VAR} references in YAML scalar values and records
// variables that are not set.
type envExpander struct {
	lookup  func(string) (string, bool)
	missing map[string]struct{}
}

func newEnvExpander() *envExpander {
	return &envExpander{lookup: os.LookupEnv, missing: make(map[string]struct{})}
}

// expand walks the document tree and re-encodes it. Only values are
// expanded, never mapping keys.
func (e *envExpander) expand(raw []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if root.Kind == 0 {
		return raw, nil
	}
	e.walk(&root)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return nil, fmt.Errorf("encode expanded config: %w", err)
	}
	return out, nil
}

func (e *envExpander) walk(node *yaml.Node) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			e.walk(child)
		}
	case yaml.MappingNode:
		for i := 1; i < len(node.Content); i += 2 {
			e.walk(node.Content[i])
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			e.walk(node.Alias)
		}
	case yaml.ScalarNode:
		e.scalar(node)
	}
}

func (e *envExpander) scalar(node *yaml.Node) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	expanded := os.Expand(node.Value, func(key string) string {
		if val, ok := e.lookup(key); ok {
			return val
		}
		e.missing[key] = struct{}{}
		return ""
	})
	if expanded == node.Value {
		return
	}

	// Quoted scalars stay strings; plain ones take the type of their value so
	// `maxIterations: ${MAX}` decodes as an int.
	if node.Style != 0 {
		node.Tag, node.Value = "!!str", expanded
		return
	}
	node.Tag, node.Value = retag(expanded)
}

func (e *envExpander) missingVars() []string {
	if len(e.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.missing))
	for name := range e.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func retag(value string) (string, string) {
	if strings.TrimSpace(value) == "" {
		return "!!str", value
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return "!!str", value
	}
	switch v := parsed.(type) {
	case nil:
		return "!!null", "null"
	case bool:
		return "!!bool", strconv.FormatBool(v)
	case int:
		return "!!int", strconv.Itoa(v)
	case float64:
		return "!!float", strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "!!str", value
	}
}
