package expr

import "fmt"

// ErrorKind classifies an evaluation failure.
type ErrorKind string

const (
	KindDivideByZero      ErrorKind = "divide_by_zero"
	KindDomainError       ErrorKind = "domain_error"
	KindInvalidExpression ErrorKind = "invalid_expression"
	KindTypeMismatch      ErrorKind = "type_mismatch"
)

// EvalError is a field-scoped expression failure. It is recorded into the
// valuation result rather than aborting the run.
type EvalError struct {
	Kind ErrorKind
	msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expr: %s: %s", e.Kind, e.msg)
}

func evalErrorf(kind ErrorKind, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// MissingValueError reports a field reference that could not be satisfied by
// the evaluation context.
type MissingValueError struct {
	Field string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("expr: no value for field %q", e.Field)
}
