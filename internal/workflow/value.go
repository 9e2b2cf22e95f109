package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ref points at an output slot of another node in the same graph.
type Ref struct {
	NodeID string
	Slot   int
}

// Value is a node input: either a literal or a Ref. The engine encodes a
// reference as the two-element array [node_id, slot].
type Value struct {
	literal any
	ref     *Ref
}

// Literal wraps a literal input value.
func Literal(v any) Value {
	return Value{literal: v}
}

// Reference wraps a reference to another node's output slot.
func Reference(nodeID string, slot int) Value {
	return Value{ref: &Ref{NodeID: nodeID, Slot: slot}}
}

// IsRef reports whether the value is a node reference.
func (v Value) IsRef() bool {
	return v.ref != nil
}

// Ref returns the reference and true, or a zero Ref and false for literals.
func (v Value) Ref() (Ref, bool) {
	if v.ref == nil {
		return Ref{}, false
	}
	return *v.ref, true
}

// Literal returns the literal value, nil for references.
func (v Value) Literal() any {
	return v.literal
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	if v.ref != nil {
		return json.Marshal([]any{v.ref.NodeID, v.ref.Slot})
	}
	return json.Marshal(v.literal)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are kept as
// json.Number so large seeds survive a round trip unchanged.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode input value: %w", err)
	}

	if ref, ok := asRef(raw); ok {
		*v = Value{ref: &ref}
		return nil
	}
	*v = Value{literal: raw}
	return nil
}

func asRef(raw any) (Ref, bool) {
	arr, ok := raw.([]any)
	if !ok || len(arr) != 2 {
		return Ref{}, false
	}
	nodeID, ok := arr[0].(string)
	if !ok {
		return Ref{}, false
	}
	num, ok := arr[1].(json.Number)
	if !ok {
		return Ref{}, false
	}
	slot, err := num.Int64()
	if err != nil || slot < 0 {
		return Ref{}, false
	}
	return Ref{NodeID: nodeID, Slot: int(slot)}, true
}

// clone deep-copies nested maps and slices of a literal.
func (v Value) clone() Value {
	if v.ref != nil {
		r := *v.ref
		return Value{ref: &r}
	}
	return Value{literal: deepCopy(v.literal)}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
