// Package notifyref implements the "overridable configuration" merge
// described in spec.md Design Note §9: a notify reference is either a
// bare destination name or an object naming a destination plus a sparse
// override of its fields. The override shape is never hand-declared as
// a second struct — it rides on the base type's own yaml tags, derived
// mechanically by round-tripping through yaml.Node.
package notifyref

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Merge produces a copy of base with override's keys spliced over the
// corresponding fields, then decoded back into a T. Nested mapping
// fields are merged recursively; scalar and sequence fields are
// replaced wholesale. An empty override returns base unchanged.
func Merge[T any](base T, override map[string]any) (T, error) {
	var zero T
	if len(override) == 0 {
		return base, nil
	}

	baseNode, err := toNode(base)
	if err != nil {
		return zero, fmt.Errorf("notifyref: encode base: %w", err)
	}

	overrideNode, err := toNode(override)
	if err != nil {
		return zero, fmt.Errorf("notifyref: encode override: %w", err)
	}

	merged := mergeNodes(baseNode, overrideNode)

	var result T
	if err := merged.Decode(&result); err != nil {
		return zero, fmt.Errorf("notifyref: decode merged: %w", err)
	}
	return result, nil
}

// toNode marshals v to YAML and re-parses it into a single content node
// (skipping the document wrapper yaml.Unmarshal otherwise returns).
func toNode(v any) (*yaml.Node, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode}, nil
	}
	return doc.Content[0], nil
}

// mergeNodes overlays override onto base. When both are mapping nodes,
// keys present in override replace (recursively, if both values are
// themselves mappings) or add to base's keys; everything else in
// override wins outright.
func mergeNodes(base, override *yaml.Node) *yaml.Node {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	if base.Kind != yaml.MappingNode || override.Kind != yaml.MappingNode {
		return override
	}

	result := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	result.Content = append(result.Content, base.Content...)

	for i := 0; i+1 < len(override.Content); i += 2 {
		key := override.Content[i]
		val := override.Content[i+1]

		replaced := false
		for j := 0; j+1 < len(result.Content); j += 2 {
			if result.Content[j].Value == key.Value {
				result.Content[j+1] = mergeNodes(result.Content[j+1], val)
				replaced = true
				break
			}
		}
		if !replaced {
			result.Content = append(result.Content, key, val)
		}
	}

	return result
}
