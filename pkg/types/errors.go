package types

import (
	"fmt"
	"strings"
)

// SchemaError reports a malformed policy document. Policies failing schema
// validation are rejected at load time.
type SchemaError struct {
	Policy string
	Field  string
	Msg    string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("policy %q: field %q: %s", e.Policy, e.Field, e.Msg)
	}
	return fmt.Sprintf("policy %q: %s", e.Policy, e.Msg)
}

// ParseError reports an expression that failed to parse or type-check.
// Parse failures reject the containing policy at load time.
type ParseError struct {
	Expr string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CircularDependencyError reports a cycle in the derived-role dependency
// graph. Catalogs containing cycles are rejected wholesale.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular derived-role dependency: %s", strings.Join(e.Cycle, " -> "))
}

// EngineError reports a catastrophic evaluation failure (catalog unavailable,
// internal invariant violation). The engine answers implicit-deny for every
// action when it occurs.
type EngineError struct {
	Msg string
	Err error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: %s: %v", e.Msg, e.Err)
	}
	return "engine: " + e.Msg
}

func (e *EngineError) Unwrap() error { return e.Err }
