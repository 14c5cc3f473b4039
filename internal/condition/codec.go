package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireCondition struct {
	Operator  Operator        `json:"operator"`
	Attribute string          `json:"attribute,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Negate    bool            `json:"negate,omitempty"`
}

// Node wraps a Condition so it can sit inside JSON documents.
type Node struct {
	Condition Condition
}

// MarshalJSON encodes the wrapped condition.
func (n Node) MarshalJSON() ([]byte, error) {
	return Marshal(n.Condition)
}

// UnmarshalJSON decodes and validates a condition.
func (n *Node) UnmarshalJSON(data []byte) error {
	c, err := Decode(data)
	if err != nil {
		return err
	}
	n.Condition = c
	return nil
}

// Nodes unwraps a slice of nodes.
func Nodes(nodes []Node) []Condition {
	out := make([]Condition, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Condition)
	}
	return out
}

// Decode parses the JSON form of a condition tree and validates it.
//
// Logical nodes carry their children in "value": an array for AND/OR and a
// single object for NOT.
func Decode(data []byte) (Condition, error) {
	c, err := decode(data, 1)
	if err != nil {
		return nil, err
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(data []byte, depth int) (Condition, error) {
	if depth > MaxDepth {
		return nil, ErrDepthExceeded
	}
	var w wireCondition
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Operator {
	case OpAnd, OpOr:
		var raw []json.RawMessage
		if len(w.Value) > 0 && !bytes.Equal(bytes.TrimSpace(w.Value), []byte("null")) {
			if err := json.Unmarshal(w.Value, &raw); err != nil {
				return nil, fmt.Errorf("%w: %s expects an array of conditions", ErrMalformed, w.Operator)
			}
		}
		children := make([]Condition, 0, len(raw))
		for _, item := range raw {
			child, err := decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if w.Operator == OpAnd {
			return And{Children: children}, nil
		}
		return Or{Children: children}, nil
	case OpNot:
		trimmed := bytes.TrimSpace(w.Value)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, fmt.Errorf("%w: NOT expects a single condition", ErrMalformed)
		}
		child, err := decode(trimmed, depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	default:
		if !IsComparison(w.Operator) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, w.Operator)
		}
		var value any
		if len(w.Value) > 0 {
			if err := json.Unmarshal(w.Value, &value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}
		}
		return Leaf{Operator: w.Operator, Attribute: w.Attribute, Value: value, Negate: w.Negate}, nil
	}
}

// Marshal encodes a condition tree into its JSON form.
func Marshal(c Condition) ([]byte, error) {
	v, err := encode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func encode(c Condition) (map[string]any, error) {
	switch n := c.(type) {
	case Leaf:
		out := map[string]any{"operator": n.Operator, "attribute": n.Attribute, "value": n.Value}
		if n.Negate {
			out["negate"] = true
		}
		return out, nil
	case And:
		children, err := encodeAll(n.Children)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operator": OpAnd, "value": children}, nil
	case Or:
		children, err := encodeAll(n.Children)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operator": OpOr, "value": children}, nil
	case Not:
		child, err := encode(n.Child)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operator": OpNot, "value": child}, nil
	default:
		return nil, fmt.Errorf("%w: node %T", ErrMalformed, c)
	}
}

func encodeAll(conds []Condition) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(conds))
	for _, c := range conds {
		v, err := encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
