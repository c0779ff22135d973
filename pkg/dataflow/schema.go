package dataflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// Schema describes the values an input or secrets node asks for. It is the
// JSON-schema subset graph descriptors use.
type Schema struct {
	Type        string             `json:"type,omitempty" mapstructure:"type"`
	Title       string             `json:"title,omitempty" mapstructure:"title"`
	Description string             `json:"description,omitempty" mapstructure:"description"`
	Properties  map[string]*Schema `json:"properties,omitempty" mapstructure:"properties"`
	Required    []string           `json:"required,omitempty" mapstructure:"required"`
	Default     any                `json:"default,omitempty" mapstructure:"default"`
	Items       *Schema            `json:"items,omitempty" mapstructure:"items"`
	Enum        []any              `json:"enum,omitempty" mapstructure:"enum"`
}

// ParseSchema converts a descriptor value into a Schema. It accepts a
// decoded JSON object, a JSON string, or a Schema. nil yields (nil, nil).
func ParseSchema(v any) (*Schema, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case *Schema:
		return s, nil
	case Schema:
		return &s, nil
	case string:
		var out Schema
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("parse schema: %w", err)
		}
		return &out, nil
	case []byte:
		return ParseSchema(string(s))
	default:
		var out Schema
		if err := mapstructure.Decode(v, &out); err != nil {
			return nil, fmt.Errorf("decode schema: %w", err)
		}
		return &out, nil
	}
}

// PropertyNames returns the declared properties in sorted order.
func (s *Schema) PropertyNames() []string {
	if s == nil {
		return nil
	}
	return sortedKeys(s.Properties)
}

// IsRequired reports whether name is listed in Required.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// MissingRequired lists required properties absent from current that have
// no default, in sorted order.
func (s *Schema) MissingRequired(current Values) []string {
	if s == nil {
		return nil
	}
	req := append([]string(nil), s.Required...)
	sort.Strings(req)
	var out []string
	for _, name := range req {
		if _, ok := current[name]; ok {
			continue
		}
		if p := s.Properties[name]; p != nil && p.Default != nil {
			continue
		}
		out = append(out, name)
	}
	return out
}

// secretsSchema builds the schema a secrets node asks for: every key is a
// required string.
func secretsSchema(keys []string) *Schema {
	s := &Schema{
		Type:       "object",
		Properties: make(map[string]*Schema, len(keys)),
		Required:   append([]string(nil), keys...),
	}
	for _, k := range keys {
		s.Properties[k] = &Schema{Type: "string", Title: k}
	}
	return s
}

// parseDefault converts a literal default into the property's declared type.
// Non-string defaults are taken as-is.
func parseDefault(name string, prop *Schema) (any, error) {
	raw, ok := prop.Default.(string)
	if !ok {
		return prop.Default, nil
	}
	switch prop.Type {
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("default for %q is not a number: %w", name, err)
		}
		return f, nil
	case "integer":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("default for %q is not an integer: %w", name, err)
		}
		return n, nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("default for %q is not a boolean: %w", name, err)
		}
		return b, nil
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("default for %q is not valid JSON: %w", name, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
