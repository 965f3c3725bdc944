// Package derivedroles computes the derived roles in effect for a request.
package derivedroles

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/pkg/types"
)

// Resolver evaluates derived-role definitions against a request context.
// Thread-safe for concurrent use.
type Resolver struct {
	conditions *conditions.Engine
	logger     *zap.Logger
}

// NewResolver creates a resolver sharing the engine's condition evaluator.
func NewResolver(cond *conditions.Engine, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{conditions: cond, logger: logger}
}

// Result is the outcome of derived-role resolution for one request.
type Result struct {
	// Roles holds the activated derived-role names in definition load order.
	Roles []string
	// Trace records every condition evaluated during resolution.
	Trace []types.ConditionTrace
}

// Active reports whether a derived role was activated.
func (r *Result) Active(name string) bool {
	for _, role := range r.Roles {
		if role == name {
			return true
		}
	}
	return false
}

// namedDef ties a definition to its containing policy and load position.
type namedDef struct {
	policy string
	def    *types.RoleDefinition
}

// Resolve computes the derived roles for (principal, resource, auxData).
//
// Definitions whose parent roles reference other definitions are evaluated
// after their dependencies (cycles were rejected at catalog admission), but
// the result preserves definition load order. A definition whose parents do
// not match is skipped without evaluating its condition; a condition that
// fails or errors skips the definition and records the cause in the trace.
func (r *Resolver) Resolve(ctx context.Context, principal *types.Principal, resource *types.Resource, auxData map[string]interface{}, sets []*types.Policy) *Result {
	result := &Result{}
	if principal == nil || len(sets) == 0 {
		return result
	}

	var defs []namedDef
	names := make(map[string]bool)
	for _, pol := range sets {
		for _, def := range pol.DerivedRoles.Definitions {
			defs = append(defs, namedDef{policy: pol.Name, def: def})
			names[def.Name] = true
		}
	}

	evalCtx := &conditions.EvalContext{
		Principal: principal.ToMap(),
		AuxData:   auxData,
	}
	if resource != nil {
		evalCtx.Resource = resource.ToMap()
	}

	// Effective roles grow as definitions activate, so chained definitions
	// see their dependencies. Evaluate in dependency order.
	effective := append([]string(nil), principal.Roles...)
	activated := make(map[string]bool)

	for _, nd := range sortByDependency(defs, names) {
		def := nd.def
		if activated[def.Name] {
			continue
		}
		if !def.MatchesParents(effective) {
			continue
		}

		matched := true
		if def.Condition != "" {
			var err error
			matched, err = r.conditions.EvaluateBool(ctx, def.Condition, evalCtx)
			outcome := fmt.Sprintf("%t", matched)
			if err != nil {
				matched = false
				outcome = "error:" + string(conditions.KindOf(err))
				r.logger.Debug("derived role condition failed",
					zap.String("role", def.Name),
					zap.Error(err),
				)
			}
			result.Trace = append(result.Trace, types.ConditionTrace{
				Policy:  nd.policy,
				Rule:    def.Name,
				Outcome: outcome,
			})
		}

		if matched {
			activated[def.Name] = true
			effective = append(effective, def.Name)
		}
	}

	// Report in load order.
	for _, nd := range defs {
		if activated[nd.def.Name] {
			result.Roles = append(result.Roles, nd.def.Name)
			delete(activated, nd.def.Name)
		}
	}

	return result
}

// sortByDependency orders definitions with Kahn's algorithm so that a
// definition naming another definition among its parents comes after it.
// The graph is acyclic by the time resolution runs; any leftovers (which
// would indicate a cycle that slipped past admission) keep load order.
func sortByDependency(defs []namedDef, names map[string]bool) []namedDef {
	byName := make(map[string]int, len(defs))
	for i, nd := range defs {
		byName[nd.def.Name] = i
	}

	inDegree := make([]int, len(defs))
	dependents := make(map[int][]int)
	for i, nd := range defs {
		for _, parent := range nd.def.ParentRoles {
			if !names[parent] || parent == nd.def.Name {
				continue
			}
			dep := byName[parent]
			dependents[dep] = append(dependents[dep], i)
			inDegree[i]++
		}
	}

	var queue []int
	for i := range defs {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	ordered := make([]namedDef, 0, len(defs))
	seen := make([]bool, len(defs))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ordered = append(ordered, defs[i])
		seen[i] = true
		for _, dep := range dependents[i] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	for i, nd := range defs {
		if !seen[i] {
			ordered = append(ordered, nd)
		}
	}
	return ordered
}
