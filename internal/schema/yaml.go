package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	loomerrors "loom/pkg/errors"
)

// LoadFile reads a YAML schema file and compiles it. Declaration order of
// types and fields is preserved, which is why this decodes through
// yaml.Node instead of a map.
//
// File format:
//
//	types:
//	  Author:
//	    instructions: Prolific blogger
//	    threshold: 0.6
//	    fields:
//	      name: string
//	      posts: ["<-Post.author"]
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	return Load(data)
}

// Load compiles a YAML schema document.
func Load(data []byte) (*Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, "invalid schema YAML", err)
	}
	if len(doc.Content) == 0 {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, "empty schema document", nil)
	}

	root := doc.Content[0]
	typesNode := mappingValue(root, "types")
	if typesNode == nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, "schema document missing 'types' mapping", nil)
	}
	if typesNode.Kind != yaml.MappingNode {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, "'types' must be a mapping", nil)
	}

	var defs []TypeDef
	for i := 0; i < len(typesNode.Content); i += 2 {
		name := typesNode.Content[i].Value
		body := typesNode.Content[i+1]
		def, err := decodeTypeDef(name, body)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return CompileSchema(defs)
}

func decodeTypeDef(name string, body *yaml.Node) (TypeDef, error) {
	def := TypeDef{Name: name}
	if body.Kind != yaml.MappingNode {
		return def, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("type %s must be a mapping", name), nil)
	}

	if n := mappingValue(body, "instructions"); n != nil {
		def.Instructions = n.Value
	}
	if n := mappingValue(body, "threshold"); n != nil {
		var v float64
		if err := n.Decode(&v); err != nil {
			return def, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("type %s has an invalid threshold", name), err)
		}
		def.Threshold = &v
	}

	fieldsNode := mappingValue(body, "fields")
	if fieldsNode == nil {
		// Types with no fields are legal; cascade targets often only carry
		// generated content.
		return def, nil
	}
	if fieldsNode.Kind != yaml.MappingNode {
		return def, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("fields of type %s must be a mapping", name), nil)
	}

	for i := 0; i < len(fieldsNode.Content); i += 2 {
		fieldName := fieldsNode.Content[i].Value
		valueNode := fieldsNode.Content[i+1]
		var raw any
		switch valueNode.Kind {
		case yaml.ScalarNode:
			raw = valueNode.Value
		case yaml.SequenceNode:
			items := make([]any, 0, len(valueNode.Content))
			for _, item := range valueNode.Content {
				items = append(items, item.Value)
			}
			raw = items
		default:
			return def, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("field %s.%s has an unsupported definition", name, fieldName), nil)
		}
		def.Fields = append(def.Fields, FieldDef{Name: fieldName, Raw: raw})
	}

	return def, nil
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
