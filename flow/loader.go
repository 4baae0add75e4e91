package flow

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Load parses and validates a workflow definition from JSON or YAML
// bytes. The format is detected from the first non-whitespace byte.
// Pre-processing-only top-level keys (Imports, Module, Exports, ...) are
// accepted and ignored; the engine operates on inlined definitions.
func Load(data []byte) (*Definition, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	def, err := Parse(doc)
	if err != nil {
		return nil, err
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile reads path and calls Load.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- definition path is caller-supplied by design
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Load(data)
}

func decodeDocument(data []byte) (any, error) {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		doc, err := jsonval.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode definition JSON: %w", err)
		}
		return doc, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode definition YAML: %w", err)
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, fmt.Errorf("decode definition YAML: empty document")
		}
		return yamlToValue(node.Content[0])
	}
	return yamlToValue(&node)
}

// yamlToValue converts a yaml.v3 node tree into the jsonval
// representation, preserving mapping key order.
func yamlToValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		obj := jsonval.NewObject()
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode := n.Content[i]
			if keyNode.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("yaml mapping key at line %d is not a scalar", keyNode.Line)
			}
			val, err := yamlToValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj.Set(keyNode.Value, val)
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := make([]any, 0, len(n.Content))
		for _, el := range n.Content {
			v, err := yamlToValue(el)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case yaml.ScalarNode:
		return yamlScalar(n)
	case yaml.AliasNode:
		return yamlToValue(n.Alias)
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d at line %d", n.Kind, n.Line)
	}
}

func yamlScalar(n *yaml.Node) (any, error) {
	switch n.Tag {
	case "!!null":
		return nil, nil
	case "!!bool":
		return strconv.ParseBool(n.Value)
	case "!!int":
		return strconv.ParseInt(n.Value, 10, 64)
	case "!!float":
		return strconv.ParseFloat(n.Value, 64)
	default:
		return n.Value, nil
	}
}
