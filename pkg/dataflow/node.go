package dataflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reserved port names.
const (
	// WildcardPort as an edge's out port delivers the source's entire output map.
	WildcardPort = "*"

	// ErrorPort carries a handler failure as data.
	ErrorPort = "$error"
)

// Values is a port-name keyed bag of values: node inputs, node outputs,
// or a single delivery on an edge.
type Values map[string]any

// Clone returns a shallow copy. A nil receiver yields nil.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Canonical returns v in the shape it has after a checkpoint round trip:
// numbers become float64, structs become maps, typed slices become []any.
// Runners deliver and record only canonical values.
func (v Values) Canonical() (Values, error) {
	if len(v) == 0 {
		return v.Clone(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValuesNotSerializable, err)
	}
	var out Values
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValuesNotSerializable, err)
	}
	return out, nil
}

// Node is one vertex of a graph. Nodes are immutable once the graph is loaded.
type Node struct {
	ID            string
	Type          string
	Configuration map[string]any
	Metadata      NodeMetadata
}

// NodeMetadata is descriptive data that never affects scheduling, except the
// "start" tag which marks an explicit entry point.
type NodeMetadata struct {
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the node metadata carries tag.
func (m NodeMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EdgeKind is the internal tag for an edge's shape.
type EdgeKind int

const (
	// KindOrdinary carries one named output port to one named input port.
	KindOrdinary EdgeKind = iota

	// KindWildcard carries the whole output map of its source.
	KindWildcard

	// KindControl carries no data, only an ordering dependency.
	KindControl

	// KindConstant is a named-port edge whose value is remembered and
	// redelivered on every later activation of its target.
	KindConstant
)

// String returns the kind name.
func (k EdgeKind) String() string {
	switch k {
	case KindOrdinary:
		return "ordinary"
	case KindWildcard:
		return "wildcard"
	case KindControl:
		return "control"
	case KindConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// Edge is a normalized edge. Out/In keep the wire names; Kind is derived at
// load time and is the only thing the engine switches on. Constant is kept
// alongside Kind so that a constant wildcard edge stays both.
type Edge struct {
	From     string
	To       string
	Out      string
	In       string
	Optional bool
	Constant bool
	Kind     EdgeKind
}

// String renders the edge for logs and error messages.
func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.From, e.Out, e.To, e.In)
}

// carries reports whether a source that produced outputs delivers anything on
// this edge.
func (e Edge) carries(outputs Values) bool {
	switch e.Kind {
	case KindWildcard, KindControl:
		return true
	default:
		_, ok := outputs[e.Out]
		return ok
	}
}

// project maps source outputs onto the edge's target port.
func (e Edge) project(outputs Values, into Values) {
	switch e.Kind {
	case KindWildcard:
		for k, v := range outputs {
			into[k] = v
		}
	case KindControl:
	default:
		if v, ok := outputs[e.Out]; ok {
			into[e.In] = v
		}
	}
}

// Path addresses one invocation in the (possibly nested) call tree of a run.
// The empty path is the root run.
type Path []int

// String joins the indices with "-". The root path renders as "".
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "-")
}

// Child returns a new path with index appended. The receiver is not modified.
func (p Path) Child(index int) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = index
	return out
}

// Equal reports whether two paths address the same invocation.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is an ancestor of (or equal to) p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}

// ParsePath parses the String form of a path.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, "-")
	out := make(Path, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid path segment %q in %q", part, s)
		}
		out[i] = n
	}
	return out, nil
}

// clone returns an independent copy of p.
func (p Path) clone() Path {
	return append(Path{}, p...)
}
