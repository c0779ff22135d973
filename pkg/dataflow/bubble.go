package dataflow

import (
	"context"
	"fmt"
)

// Requestor supplies a value nobody wired into the graph: a human answering a
// prompt, a secret store, an environment lookup. ok=false means "no value";
// the property then stays absent, or fails resolution if it is required.
type Requestor func(ctx context.Context, name string, property *Schema) (value any, ok bool, err error)

// MapRequestor returns a Requestor that answers from a fixed map.
func MapRequestor(values map[string]any) Requestor {
	return func(_ context.Context, name string, _ *Schema) (any, bool, error) {
		v, ok := values[name]
		return v, ok, nil
	}
}

// ChainRequestors asks each requestor in turn until one supplies a value.
// nil requestors are ignored.
func ChainRequestors(rs ...Requestor) Requestor {
	return func(ctx context.Context, name string, property *Schema) (any, bool, error) {
		for _, r := range rs {
			if r == nil {
				continue
			}
			v, ok, err := r(ctx, name, property)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return v, true, nil
			}
		}
		return nil, false, nil
	}
}

// Resolve fills in every schema property missing from current.
//
// For each property, in name order:
//  1. present in current: kept as is
//  2. has a default: the default, parsed as the declared type when given as
//     a string literal
//  3. otherwise the requestor is asked (a nil requestor never answers)
//  4. still no value: a required property fails with
//     *MissingRequiredInputError naming title; an optional one stays absent
//
// The result is a copy of current plus the resolved properties. Values in
// current that the schema does not declare pass through.
func Resolve(ctx context.Context, schema *Schema, current Values, requestor Requestor, title string) (Values, error) {
	out := current.Clone()
	if out == nil {
		out = Values{}
	}
	if schema == nil {
		return out, nil
	}

	for _, name := range schema.PropertyNames() {
		if _, ok := out[name]; ok {
			continue
		}
		prop := schema.Properties[name]
		if prop == nil {
			prop = &Schema{}
		}

		if prop.Default != nil {
			v, err := parseDefault(name, prop)
			if err != nil {
				return nil, err
			}
			out[name] = v
			continue
		}

		if requestor != nil {
			v, ok, err := requestor(ctx, name, prop)
			if err != nil {
				return nil, fmt.Errorf("request %q: %w", name, err)
			}
			if ok && v != nil {
				out[name] = v
				continue
			}
		}

		if schema.IsRequired(name) {
			return nil, &MissingRequiredInputError{Property: name, Graph: title}
		}
	}

	// Required names without a property declaration still have to be present.
	for _, name := range schema.Required {
		if _, ok := out[name]; ok {
			continue
		}
		if _, declared := schema.Properties[name]; declared {
			continue
		}
		if requestor != nil {
			v, ok, err := requestor(ctx, name, &Schema{})
			if err != nil {
				return nil, fmt.Errorf("request %q: %w", name, err)
			}
			if ok && v != nil {
				out[name] = v
				continue
			}
		}
		return nil, &MissingRequiredInputError{Property: name, Graph: title}
	}

	return out, nil
}
