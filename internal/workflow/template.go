package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ghzmwhdk777/ckpts/internal/jsonutil"
)

// Node is one operation in a workflow graph.
type Node struct {
	ClassType string           `json:"class_type"`
	Inputs    map[string]Value `json:"inputs"`
	Meta      json.RawMessage  `json:"_meta,omitempty"`
}

func (n *Node) clone() *Node {
	out := &Node{
		ClassType: n.ClassType,
		Inputs:    make(map[string]Value, len(n.Inputs)),
	}
	for name, v := range n.Inputs {
		out.Inputs[name] = v.clone()
	}
	if n.Meta != nil {
		out.Meta = append(json.RawMessage(nil), n.Meta...)
	}
	return out
}

// Template is an ordered node graph plus the metadata that gives callers
// stable names for its inputs and outputs. A Template loaded into a Catalog
// is shared and must not be modified; Instantiate returns private copies.
type Template struct {
	Name        string
	Description string

	// Params maps a semantic parameter name to the override paths it sets.
	Params map[string][]string
	// Roles maps a semantic output role to the node id producing it.
	Roles map[string]string
	// Seeds lists params that get a random value when the caller omits them.
	Seeds []string
	// Uploads lists params whose value is a local file uploaded before submission.
	Uploads []string
	// Scales multiplies a numeric param before it is written, e.g. seconds to frames.
	Scales map[string]int64

	order []string
	nodes map[string]*Node
}

// Parse decodes an engine API graph, keeping node order, and checks that
// every reference resolves.
func Parse(name string, data []byte) (*Template, error) {
	t := &Template{
		Name:  name,
		nodes: make(map[string]*Node),
	}

	err := jsonutil.WalkObject(data, func(id string, raw json.RawMessage) error {
		if _, dup := t.nodes[id]; dup {
			return fmt.Errorf("duplicate node %q", id)
		}
		var node Node
		if err := json.Unmarshal(raw, &node); err != nil {
			return fmt.Errorf("decode node %q: %w", id, err)
		}
		if node.Inputs == nil {
			node.Inputs = make(map[string]Value)
		}
		t.order = append(t.order, id)
		t.nodes[id] = &node
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", name, err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NodeIDs returns node ids in document order.
func (t *Template) NodeIDs() []string {
	return append([]string(nil), t.order...)
}

// Node returns the node with the given id.
func (t *Template) Node(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Input returns one input of one node.
func (t *Template) Input(nodeID, name string) (Value, bool) {
	n, ok := t.nodes[nodeID]
	if !ok {
		return Value{}, false
	}
	v, ok := n.Inputs[name]
	return v, ok
}

// Len returns the number of nodes.
func (t *Template) Len() int {
	return len(t.order)
}

// Clone returns a deep copy, metadata included.
func (t *Template) Clone() *Template {
	out := &Template{
		Name:        t.Name,
		Description: t.Description,
		Params:      make(map[string][]string, len(t.Params)),
		Roles:       make(map[string]string, len(t.Roles)),
		Seeds:       append([]string(nil), t.Seeds...),
		Uploads:     append([]string(nil), t.Uploads...),
		Scales:      make(map[string]int64, len(t.Scales)),
		order:       append([]string(nil), t.order...),
		nodes:       make(map[string]*Node, len(t.nodes)),
	}
	for k, v := range t.Params {
		out.Params[k] = append([]string(nil), v...)
	}
	for k, v := range t.Roles {
		out.Roles[k] = v
	}
	for k, v := range t.Scales {
		out.Scales[k] = v
	}
	for id, n := range t.nodes {
		out.nodes[id] = n.clone()
	}
	return out
}

// SplitPath splits an override path "<node_id>.<input>".
func SplitPath(path string) (nodeID, input string, err error) {
	nodeID, input, ok := strings.Cut(path, ".")
	if !ok || nodeID == "" || input == "" {
		return "", "", &ConfigurationError{Path: path, Reason: "override path must look like <node_id>.<input>"}
	}
	return nodeID, input, nil
}

// Instantiate returns a copy of the template with each override applied.
// Keys are "<node_id>.<input>" and must name an existing input; values are
// literals, or a Value/Ref to rewire an input. The receiver is untouched.
func (t *Template) Instantiate(overrides map[string]any) (*Template, error) {
	out := t.Clone()

	paths := make([]string, 0, len(overrides))
	for p := range overrides {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	rewired := false
	for _, path := range paths {
		nodeID, input, err := SplitPath(path)
		if err != nil {
			return nil, configErr(t.Name, path, "override path must look like <node_id>.<input>")
		}
		node, ok := out.nodes[nodeID]
		if !ok {
			return nil, configErr(t.Name, path, "node %q does not exist", nodeID)
		}
		if _, ok := node.Inputs[input]; !ok {
			return nil, configErr(t.Name, path, "node %q (%s) has no input %q", nodeID, node.ClassType, input)
		}

		switch v := overrides[path].(type) {
		case Value:
			node.Inputs[input] = v.clone()
			rewired = rewired || v.IsRef()
		case Ref:
			node.Inputs[input] = Reference(v.NodeID, v.Slot)
			rewired = true
		default:
			node.Inputs[input] = Literal(deepCopy(v))
		}
	}

	if rewired {
		if err := out.validateRefs(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Bind translates semantic params into override paths using the template's
// Params table. Unknown param names are a ConfigurationError. Scaled params
// must be numeric and are written as the integer product.
func (t *Template) Bind(params map[string]any) (map[string]any, error) {
	overrides := make(map[string]any)
	owner := make(map[string]string)
	for name, value := range params {
		paths, ok := t.Params[name]
		if !ok {
			return nil, configErr(t.Name, name, "unknown parameter")
		}
		if factor, ok := t.Scales[name]; ok {
			scaled, err := scale(value, factor)
			if err != nil {
				return nil, configErr(t.Name, name, "%v", err)
			}
			value = scaled
		}
		for _, p := range paths {
			if other, taken := owner[p]; taken {
				return nil, configErr(t.Name, name, "parameter sets %s, already set by %q", p, other)
			}
			owner[p] = name
			overrides[p] = value
		}
	}
	return overrides, nil
}

// Validate checks references, parameter paths and roles against the graph.
func (t *Template) Validate() error {
	if err := t.validateRefs(); err != nil {
		return err
	}

	for name, paths := range t.Params {
		if len(paths) == 0 {
			return configErr(t.Name, name, "parameter has no override paths")
		}
		for _, p := range paths {
			nodeID, input, err := SplitPath(p)
			if err != nil {
				return configErr(t.Name, p, "parameter %q: malformed path", name)
			}
			if _, ok := t.Input(nodeID, input); !ok {
				return configErr(t.Name, p, "parameter %q points at a missing input", name)
			}
		}
	}
	for role, nodeID := range t.Roles {
		if _, ok := t.nodes[nodeID]; !ok {
			return configErr(t.Name, role, "role points at missing node %q", nodeID)
		}
	}
	for _, name := range append(append([]string(nil), t.Seeds...), t.Uploads...) {
		if _, ok := t.Params[name]; !ok {
			return configErr(t.Name, name, "seed/upload entry is not a declared parameter")
		}
	}
	for name, factor := range t.Scales {
		if _, ok := t.Params[name]; !ok {
			return configErr(t.Name, name, "scale entry is not a declared parameter")
		}
		if factor <= 0 {
			return configErr(t.Name, name, "scale must be positive, got %d", factor)
		}
	}
	return nil
}

func scale(value any, factor int64) (int64, error) {
	var f float64
	switch v := value.(type) {
	case int:
		return int64(v) * factor, nil
	case int32:
		return int64(v) * factor, nil
	case int64:
		return v * factor, nil
	case float64:
		f = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n * factor, nil
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("scaled parameter must be a number, got %q", v.String())
		}
		f = parsed
	default:
		return 0, fmt.Errorf("scaled parameter must be a number, got %T", value)
	}
	return int64(math.Round(f * float64(factor))), nil
}

func (t *Template) validateRefs() error {
	for _, id := range t.order {
		node := t.nodes[id]
		for input, v := range node.Inputs {
			ref, ok := v.Ref()
			if !ok {
				continue
			}
			if _, exists := t.nodes[ref.NodeID]; !exists {
				return configErr(t.Name, id+"."+input, "dangling reference to node %q", ref.NodeID)
			}
		}
	}
	return nil
}

// MarshalJSON encodes the graph in engine API format, keeping node order.
func (t *Template) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		node, err := json.Marshal(t.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("encode node %q: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(node)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
