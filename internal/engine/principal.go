package engine

import (
	"context"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/pkg/types"
)

// principalEvaluator applies principal-policy overrides. Principal policies
// take precedence over resource policies: a matching override decides the
// action outright.
type principalEvaluator struct {
	conditions *conditions.Engine
}

// Evaluate scans the matching principal policies in catalog order. A
// satisfied deny wins immediately; otherwise the first satisfied allow wins.
// The second return is false when no override applies, handing the action
// to the resource layer. A condition error makes its override non-matching
// and records the cause in the trace.
func (pe *principalEvaluator) Evaluate(ctx context.Context, policies []*types.Policy, resourceKind, action string, evalCtx *conditions.EvalContext) (types.ActionResult, bool) {
	var allow *types.ActionResult
	var trace []types.ConditionTrace

	for _, pol := range policies {
		for _, rule := range pol.Principal.Rules {
			if !rule.MatchesResource(resourceKind) {
				continue
			}
			for _, override := range rule.Actions {
				if !override.MatchesAction(action) {
					continue
				}

				if override.Condition != "" {
					matched, err := pe.conditions.EvaluateBool(ctx, override.Condition, evalCtx)
					outcome := boolOutcome(matched)
					if err != nil {
						matched = false
						outcome = "error:" + string(conditions.KindOf(err))
					}
					trace = append(trace, types.ConditionTrace{
						Policy:  pol.Name,
						Rule:    override.Name,
						Outcome: outcome,
					})
					if !matched {
						continue
					}
				}

				result := types.ActionResult{
					Effect:  override.Effect,
					Policy:  pol.Name,
					Rule:    override.Name,
					Matched: true,
				}
				if override.Effect == types.EffectDeny {
					attachTrace(&result, trace)
					return result, true
				}
				if allow == nil {
					allow = &result
				}
			}
		}
	}

	if allow != nil {
		attachTrace(allow, trace)
		return *allow, true
	}

	// No override decided; the resource layer inherits the trace so the
	// evaluated-but-unsatisfied overrides stay visible.
	if len(trace) > 0 {
		return types.ActionResult{Meta: &types.ActionMeta{Conditions: trace}}, false
	}
	return types.ActionResult{}, false
}

func attachTrace(result *types.ActionResult, trace []types.ConditionTrace) {
	if len(trace) == 0 {
		return
	}
	if result.Meta == nil {
		result.Meta = &types.ActionMeta{}
	}
	result.Meta.Conditions = append(result.Meta.Conditions, trace...)
}

func boolOutcome(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
