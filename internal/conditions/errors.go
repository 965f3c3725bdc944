package conditions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime evaluation failures. All kinds are
// recoverable at the rule level: the rule is treated as non-matching and the
// trace records the cause.
type ErrorKind string

const (
	KindType              ErrorKind = "TypeError"
	KindUndefined         ErrorKind = "UndefinedError"
	KindArithmetic        ErrorKind = "ArithmeticError"
	KindResourceExhausted ErrorKind = "ResourceExhaustedError"
	KindEval              ErrorKind = "EvalError"
)

// EvalError wraps a runtime expression failure with its classified kind.
type EvalError struct {
	Kind ErrorKind
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: expression %q: %v", e.Kind, e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// KindOf returns the classified kind of an evaluation failure, or KindEval
// for anything unrecognized.
func KindOf(err error) ErrorKind {
	var evalErr *EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Kind
	}
	return KindEval
}

// classify maps CEL runtime error messages onto the error taxonomy. CEL does
// not expose structured error codes, so this keys off the interpreter's
// stable message prefixes.
func classify(err error) ErrorKind {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such key") || strings.Contains(msg, "no such attribute"):
		return KindUndefined
	case strings.Contains(msg, "no such overload") || strings.Contains(msg, "unsupported conversion"):
		return KindType
	case strings.Contains(msg, "division by zero") ||
		strings.Contains(msg, "modulus by zero") ||
		strings.Contains(msg, "integer overflow"):
		return KindArithmetic
	case strings.Contains(msg, "cost limit exceeded") ||
		strings.Contains(msg, "operation interrupted") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled"):
		return KindResourceExhausted
	default:
		return KindEval
	}
}
