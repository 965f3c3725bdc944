package engine

import (
	"context"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/pkg/types"
)

// resourceEvaluator applies resource policies with deny-override semantics.
type resourceEvaluator struct {
	conditions *conditions.Engine
}

// Evaluate scans the applicable resource policies, most specific scope
// first. A satisfied deny anywhere wins over any allow (deny-override across
// all applicable policies, not per policy). Otherwise the first satisfied
// allow wins. No satisfied rule means implicit deny. A rule whose condition
// errors is non-matching; the trace records the cause.
func (re *resourceEvaluator) Evaluate(ctx context.Context, policies []*types.Policy, action string, effectiveRoles, activatedDerived map[string]bool, evalCtx *conditions.EvalContext) types.ActionResult {
	var allow *types.ActionResult
	var trace []types.ConditionTrace

	for _, pol := range policies {
		for _, rule := range pol.Resource.Rules {
			if !rule.MatchesAction(action) {
				continue
			}
			if !ruleMatchesRoles(rule, effectiveRoles, activatedDerived) {
				continue
			}

			if rule.Condition != "" {
				matched, err := re.conditions.EvaluateBool(ctx, rule.Condition, evalCtx)
				outcome := boolOutcome(matched)
				if err != nil {
					matched = false
					outcome = "error:" + string(conditions.KindOf(err))
				}
				trace = append(trace, types.ConditionTrace{
					Policy:  pol.Name,
					Rule:    rule.Name,
					Outcome: outcome,
				})
				if !matched {
					continue
				}
			}

			result := types.ActionResult{
				Effect:  rule.Effect,
				Policy:  pol.Name,
				Rule:    rule.Name,
				Matched: true,
			}
			if rule.Effect == types.EffectDeny {
				attachTrace(&result, trace)
				return result
			}
			if allow == nil {
				allow = &result
			}
			// Keep scanning: a later deny still overrides this allow.
		}
	}

	if allow != nil {
		attachTrace(allow, trace)
		return *allow
	}

	result := types.ActionResult{
		Effect: types.EffectDeny,
		Policy: types.NoMatchPolicy,
	}
	attachTrace(&result, trace)
	return result
}

// ruleMatchesRoles gates a rule on the request's role sets. Static roles
// check against the effective set (base plus derived), derived-role entries
// check against the activated derived roles only. Either list matching
// suffices. A rule listing neither applies only when marked role
// independent.
func ruleMatchesRoles(rule *types.ResourceRule, effectiveRoles, activatedDerived map[string]bool) bool {
	if len(rule.Roles) == 0 && len(rule.DerivedRoles) == 0 {
		return rule.RoleIndependent
	}
	for _, role := range rule.Roles {
		if effectiveRoles[role] {
			return true
		}
	}
	for _, role := range rule.DerivedRoles {
		if activatedDerived[role] {
			return true
		}
	}
	return false
}
