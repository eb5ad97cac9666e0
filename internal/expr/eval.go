package expr

import (
	"math"
)

// Values supplies field values to Evaluate. Lookups must be side-effect
// free; the evaluator has no other way to touch the outside world.
type Values interface {
	Value(name string) (any, bool)
}

// Map is a Values backed by a plain map, for tests and ad-hoc evaluation.
type Map map[string]any

func (m Map) Value(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Evaluate walks the tree and computes its value against vals. It is a pure
// recursive descent: no I/O, no clock, nothing outside the supplied context.
// Failures are *EvalError or *MissingValueError.
func Evaluate(n Node, vals Values) (float64, error) {
	switch v := n.(type) {
	case Constant:
		return v.Value, nil

	case FieldRef:
		raw, ok := vals.Value(v.Name)
		if !ok {
			return 0, &MissingValueError{Field: v.Name}
		}
		f, ok := ToFloat(raw)
		if !ok {
			return 0, evalErrorf(KindTypeMismatch, "field %q is %T, want number", v.Name, raw)
		}
		return f, nil

	case Operation:
		args := make([]float64, len(v.Args))
		for i, arg := range v.Args {
			f, err := Evaluate(arg, vals)
			if err != nil {
				return 0, err
			}
			args[i] = f
		}
		res, err := apply(v.Op, args)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(res) || math.IsInf(res, 0) {
			return 0, evalErrorf(KindDomainError, "%s produced a non-finite result", v.Op)
		}
		return res, nil

	default:
		return 0, evalErrorf(KindInvalidExpression, "unknown node type %T", n)
	}
}

func apply(op Op, args []float64) (float64, error) {
	switch op {
	case OpAdd, OpSum:
		return fold(args, func(a, b float64) float64 { return a + b }), nil
	case OpMultiply:
		return fold(args, func(a, b float64) float64 { return a * b }), nil
	case OpMax:
		return fold(args, math.Max), nil
	case OpMin:
		return fold(args, math.Min), nil

	case OpSubtract:
		return args[0] - args[1], nil
	case OpDivide:
		if args[1] == 0 {
			return 0, evalErrorf(KindDivideByZero, "division by zero")
		}
		return args[0] / args[1], nil
	case OpModulo:
		if args[1] == 0 {
			return 0, evalErrorf(KindDivideByZero, "modulo by zero")
		}
		return math.Mod(args[0], args[1]), nil
	case OpPower:
		return math.Pow(args[0], args[1]), nil

	case OpAbs:
		return math.Abs(args[0]), nil
	case OpRound:
		return math.Round(args[0]), nil
	case OpSqrt:
		if args[0] < 0 {
			return 0, evalErrorf(KindDomainError, "sqrt of negative operand %g", args[0])
		}
		return math.Sqrt(args[0]), nil
	case OpLog:
		if args[0] <= 0 {
			return 0, evalErrorf(KindDomainError, "log of non-positive operand %g", args[0])
		}
		return math.Log(args[0]), nil
	case OpLog10:
		if args[0] <= 0 {
			return 0, evalErrorf(KindDomainError, "log10 of non-positive operand %g", args[0])
		}
		return math.Log10(args[0]), nil
	case OpExp:
		return math.Exp(args[0]), nil
	case OpSin:
		return math.Sin(args[0]), nil
	case OpCos:
		return math.Cos(args[0]), nil
	case OpTan:
		return math.Tan(args[0]), nil

	default:
		return 0, evalErrorf(KindInvalidExpression, "unknown operator %q", op)
	}
}

func fold(args []float64, f func(a, b float64) float64) float64 {
	acc := args[0]
	for _, v := range args[1:] {
		acc = f(acc, v)
	}
	return acc
}

// ToFloat converts the numeric representations that appear in decoded JSON
// and database scans. Strings never convert implicitly.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
