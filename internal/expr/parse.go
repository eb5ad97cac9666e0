package expr

import (
	"encoding/json"
)

// wireNode mirrors the persisted JSON shape of a single expression node.
// Exactly one of field / constant / op must be present. "value" is the
// spelling the legacy backend used for constants; it is accepted on decode
// and re-emitted as "constant".
type wireNode struct {
	Field    *string           `json:"field,omitempty"`
	Constant *float64          `json:"constant,omitempty"`
	Value    *float64          `json:"value,omitempty"`
	Op       *string           `json:"op,omitempty"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// Parse decodes a JSON expression tree into a typed AST, validating operator
// names and arity up front so malformed formulas are rejected before any
// evaluation happens.
func Parse(data []byte) (Node, error) {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, evalErrorf(KindInvalidExpression, "decode node: %v", err)
	}
	return parseWire(w)
}

func parseWire(w wireNode) (Node, error) {
	switch {
	case w.Field != nil:
		if *w.Field == "" {
			return nil, evalErrorf(KindInvalidExpression, "empty field reference")
		}
		return FieldRef{Name: *w.Field}, nil

	case w.Constant != nil:
		return Constant{Value: *w.Constant}, nil

	case w.Value != nil:
		return Constant{Value: *w.Value}, nil

	case w.Op != nil:
		op := Op(*w.Op)
		ar, ok := opArity[op]
		if !ok {
			return nil, evalErrorf(KindInvalidExpression, "unknown operator %q", *w.Op)
		}
		if len(w.Args) < ar.min {
			return nil, evalErrorf(KindInvalidExpression, "operator %q requires at least %d args, got %d", op, ar.min, len(w.Args))
		}
		if ar.max > 0 && len(w.Args) > ar.max {
			return nil, evalErrorf(KindInvalidExpression, "operator %q requires at most %d args, got %d", op, ar.max, len(w.Args))
		}
		args := make([]Node, 0, len(w.Args))
		for _, raw := range w.Args {
			child, err := Parse(raw)
			if err != nil {
				return nil, err
			}
			args = append(args, child)
		}
		return Operation{Op: op, Args: args}, nil

	default:
		return nil, evalErrorf(KindInvalidExpression, "node has none of field/constant/op")
	}
}

// Marshal encodes a typed AST back into the wire format. Round-tripping
// through Marshal and Parse yields an equivalent tree.
func Marshal(n Node) ([]byte, error) {
	return json.Marshal(toWire(n))
}

func toWire(n Node) any {
	switch v := n.(type) {
	case FieldRef:
		return map[string]string{"field": v.Name}
	case Constant:
		return map[string]float64{"constant": v.Value}
	case Operation:
		args := make([]any, 0, len(v.Args))
		for _, a := range v.Args {
			args = append(args, toWire(a))
		}
		return map[string]any{"op": string(v.Op), "args": args}
	default:
		return nil
	}
}
