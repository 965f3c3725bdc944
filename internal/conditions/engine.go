// Package conditions provides compilation and evaluation of the policy
// condition sublanguage on top of CEL.
package conditions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/authzd/authzd/pkg/types"
)

// Config bounds expression complexity.
type Config struct {
	// MaxRecursionDepth limits AST nesting during parse.
	MaxRecursionDepth int
	// MaxExpressionLength limits source size in bytes.
	MaxExpressionLength int
	// CostLimit bounds runtime evaluation cost.
	CostLimit uint64
	// InterruptCheckFrequency controls how often comprehensions check for
	// context cancellation.
	InterruptCheckFrequency uint
}

// DefaultConfig returns the default evaluator limits.
func DefaultConfig() Config {
	return Config{
		MaxRecursionDepth:       32,
		MaxExpressionLength:     1024,
		CostLimit:               100_000,
		InterruptCheckFrequency: 100,
	}
}

// Engine compiles and evaluates condition expressions. Compiled programs are
// immutable and cached for the lifetime of the engine; evaluation results
// are never cached here.
type Engine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
	cfg      Config
}

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	cfg   Config
	extra []cel.EnvOption
}

// WithConfig overrides the default limits.
func WithConfig(cfg Config) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithFunction registers an additional host function. Registered functions
// must be pure and deterministic; the engine offers no I/O escape hatch.
func WithFunction(fn cel.EnvOption) Option {
	return func(o *engineOptions) { o.extra = append(o.extra, fn) }
}

// EvalContext contains the read-only variables visible to expressions.
type EvalContext struct {
	Principal map[string]interface{}
	Resource  map[string]interface{}
	Request   map[string]interface{}
	Variables map[string]interface{}
	AuxData   map[string]interface{}
}

func (c *EvalContext) vars() map[string]interface{} {
	orEmpty := func(m map[string]interface{}) map[string]interface{} {
		if m == nil {
			return map[string]interface{}{}
		}
		return m
	}
	principal := orEmpty(c.Principal)
	resource := orEmpty(c.Resource)
	aux := orEmpty(c.AuxData)
	return map[string]interface{}{
		"principal": principal,
		"P":         principal,
		"resource":  resource,
		"R":         resource,
		"request":   orEmpty(c.Request),
		"V":         orEmpty(c.Variables),
		"A":         aux,
		"auxData":   aux,
	}
}

// NewEngine creates a condition engine with the authorization variable set
// and the fixed function allow-list.
func NewEngine(opts ...Option) (*Engine, error) {
	o := engineOptions{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	envOpts := []cel.EnvOption{
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("P", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("R", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("V", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("A", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("auxData", cel.MapType(cel.StringType, cel.DynType)),
		cel.ParserRecursionLimit(o.cfg.MaxRecursionDepth),
		cel.ParserExpressionSizeLimit(o.cfg.MaxExpressionLength),
	}
	envOpts = append(envOpts, functionDecls()...)
	envOpts = append(envOpts, o.extra...)

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env, cfg: o.cfg}, nil
}

// Compile parses, type-checks, and caches an expression. The result must be
// boolean; anything else is rejected. Failures are reported as ParseError
// so callers reject the containing policy at load time.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	if len(expr) > e.cfg.MaxExpressionLength {
		return nil, &types.ParseError{Expr: expr, Err: fmt.Errorf("expression exceeds %d bytes", e.cfg.MaxExpressionLength)}
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &types.ParseError{Expr: expr, Err: issues.Err()}
	}

	if ast.OutputType() != cel.BoolType {
		return nil, &types.ParseError{Expr: expr, Err: fmt.Errorf("expression must return bool, got %v", ast.OutputType())}
	}

	prog, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(e.cfg.CostLimit),
		cel.InterruptCheckFrequency(e.cfg.InterruptCheckFrequency),
	)
	if err != nil {
		return nil, &types.ParseError{Expr: expr, Err: err}
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// EvaluateBool compiles (or fetches) the expression and evaluates it against
// the context. Runtime failures are returned as *EvalError with a classified
// kind; the caller decides whether that means "condition not satisfied".
func (e *Engine) EvaluateBool(ctx context.Context, expr string, evalCtx *EvalContext) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}

	result, _, err := prog.ContextEval(ctx, evalCtx.vars())
	if err != nil {
		return false, &EvalError{Kind: classify(err), Expr: expr, Err: err}
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, &EvalError{Kind: KindType, Expr: expr, Err: fmt.Errorf("expression returned %T, want bool", result.Value())}
	}
	return boolVal, nil
}

// ClearCache drops all compiled programs.
func (e *Engine) ClearCache() {
	e.programs.Range(func(key, _ interface{}) bool {
		e.programs.Delete(key)
		return true
	})
}

// Prune drops cached programs for expressions outside the keep set. The
// catalog calls this after a policy install so programs for unloaded
// expressions do not accumulate across reloads. Safe against concurrent
// Compile callers; a pruned expression is simply recompiled on next use.
func (e *Engine) Prune(keep map[string]bool) {
	e.programs.Range(func(key, _ interface{}) bool {
		if !keep[key.(string)] {
			e.programs.Delete(key)
		}
		return true
	})
}

// CacheSize returns the number of cached programs.
func (e *Engine) CacheSize() int {
	n := 0
	e.programs.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// timeNow is swapped in tests.
var timeNow = time.Now
