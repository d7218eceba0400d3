package playbook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse decodes a playbook document. Unknown keys anywhere in the document
// are rejected so that typos surface at registration rather than as silently
// ignored directives.
func Parse(content []byte) (*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, &ValidationError{Field: "document", Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	return &pb, nil
}

// UnmarshalYAML accepts either the `{step, when?}` object form or a bare
// string shorthand for an unconditional edge.
func (e *Edge) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var target string
		if err := node.Decode(&target); err != nil {
			return err
		}
		e.Step = target
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("next edge must be a step name or {step, when} object (line %d)", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "step":
			if err := val.Decode(&e.Step); err != nil {
				return err
			}
		case "when":
			if err := val.Decode(&e.When); err != nil {
				return err
			}
		default:
			return fmt.Errorf("next edge has unknown key %q (line %d)", key, node.Content[i].Line)
		}
	}
	return nil
}

// ContentHash returns the stable sha256 hex digest of the raw document.
// The catalog uses it to keep re-registration of identical content
// version-stable.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
