package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/internal/scope"
	"github.com/authzd/authzd/pkg/types"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.@:-]*$`)

// Validator turns raw documents into validated policies. It is the sole
// constructor of types.Policy values: anything it emits satisfies the
// downstream invariants (enums checked, expressions compiled, wildcards
// well-placed, scopes well-formed).
type Validator struct {
	conditions *conditions.Engine
}

// NewValidator creates a validator that compiles expressions against the
// given condition engine, warming its program cache as a side effect.
func NewValidator(cond *conditions.Engine) *Validator {
	return &Validator{conditions: cond}
}

// Validate checks a document and returns the typed policy.
func (v *Validator) Validate(doc *Document) (*types.Policy, error) {
	if doc == nil {
		return nil, &types.SchemaError{Msg: "document is nil"}
	}
	name := doc.Metadata.Name
	if name == "" {
		return nil, &types.SchemaError{Field: "metadata.name", Msg: "required"}
	}
	if !identifierPattern.MatchString(name) {
		return nil, &types.SchemaError{Policy: name, Field: "metadata.name", Msg: "invalid identifier"}
	}
	if doc.APIVersion != APIVersion {
		return nil, &types.SchemaError{Policy: name, Field: "apiVersion", Msg: fmt.Sprintf("must be %q", APIVersion)}
	}
	if err := scope.Validate(doc.Metadata.Scope); err != nil {
		return nil, &types.SchemaError{Policy: name, Field: "metadata.scope", Msg: err.Error()}
	}

	pol := &types.Policy{
		Kind:  doc.Kind,
		Name:  name,
		Scope: doc.Metadata.Scope,
	}

	var err error
	switch doc.Kind {
	case types.KindResourcePolicy:
		err = v.validateResourcePolicy(doc, pol)
	case types.KindPrincipalPolicy:
		err = v.validatePrincipalPolicy(doc, pol)
	case types.KindDerivedRoles:
		err = v.validateDerivedRoles(doc, pol)
	default:
		err = &types.SchemaError{Policy: name, Field: "kind", Msg: fmt.Sprintf("unknown kind %q", doc.Kind)}
	}
	if err != nil {
		return nil, err
	}

	return pol, nil
}

func (v *Validator) validateResourcePolicy(doc *Document, pol *types.Policy) error {
	var spec resourcePolicySpec
	if err := doc.Spec.Decode(&spec); err != nil {
		return &types.SchemaError{Policy: pol.Name, Field: "spec", Msg: err.Error()}
	}

	if spec.Resource == "" {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.resource", Msg: "required"}
	}
	if !identifierPattern.MatchString(spec.Resource) {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.resource", Msg: "invalid identifier"}
	}
	if len(spec.Rules) == 0 {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.rules", Msg: "at least one rule required"}
	}

	pol.Version = normalizeVersion(spec.Version)
	rp := &types.ResourcePolicy{ResourceKind: spec.Resource}

	seen := make(map[string]bool)
	for i, raw := range spec.Rules {
		field := fmt.Sprintf("spec.rules[%d]", i)

		ruleName := raw.Name
		if ruleName == "" {
			ruleName = fmt.Sprintf("rule-%03d", i+1)
		}
		if seen[ruleName] {
			return &types.SchemaError{Policy: pol.Name, Field: field, Msg: fmt.Sprintf("duplicate rule name %q", ruleName)}
		}
		seen[ruleName] = true

		if len(raw.Actions) == 0 {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".actions", Msg: "at least one action required"}
		}
		for _, action := range raw.Actions {
			if err := validateActionName(action); err != nil {
				return &types.SchemaError{Policy: pol.Name, Field: field + ".actions", Msg: err.Error()}
			}
		}

		effect, err := parseEffect(raw.Effect)
		if err != nil {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".effect", Msg: err.Error()}
		}

		if len(raw.Roles) == 0 && len(raw.DerivedRoles) == 0 && !raw.RoleIndependent {
			return &types.SchemaError{Policy: pol.Name, Field: field,
				Msg: "rule needs roles or derivedRoles (or roleIndependent: true)"}
		}
		for _, role := range raw.Roles {
			if role == "" || strings.Contains(role, "*") {
				return &types.SchemaError{Policy: pol.Name, Field: field + ".roles", Msg: fmt.Sprintf("invalid role %q", role)}
			}
		}
		for _, dr := range raw.DerivedRoles {
			if dr == "" || strings.Contains(dr, "*") {
				return &types.SchemaError{Policy: pol.Name, Field: field + ".derivedRoles", Msg: fmt.Sprintf("invalid derived role %q", dr)}
			}
		}

		if raw.Condition != "" {
			if _, err := v.conditions.Compile(raw.Condition); err != nil {
				return fmt.Errorf("policy %q: %s: %w", pol.Name, field, err)
			}
		}

		rp.Rules = append(rp.Rules, &types.ResourceRule{
			Name:            ruleName,
			Actions:         raw.Actions,
			Effect:          effect,
			Roles:           raw.Roles,
			DerivedRoles:    raw.DerivedRoles,
			Condition:       raw.Condition,
			RoleIndependent: raw.RoleIndependent,
		})
	}

	pol.Resource = rp
	return nil
}

func (v *Validator) validatePrincipalPolicy(doc *Document, pol *types.Policy) error {
	var spec principalPolicySpec
	if err := doc.Spec.Decode(&spec); err != nil {
		return &types.SchemaError{Policy: pol.Name, Field: "spec", Msg: err.Error()}
	}

	if spec.Principal == "" {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.principal", Msg: "required"}
	}
	if err := validatePattern(spec.Principal); err != nil {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.principal", Msg: err.Error()}
	}
	if len(spec.Rules) == 0 {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.rules", Msg: "at least one rule required"}
	}

	pol.Version = normalizeVersion(spec.Version)
	pp := &types.PrincipalPolicy{PrincipalPattern: spec.Principal}

	for i, raw := range spec.Rules {
		field := fmt.Sprintf("spec.rules[%d]", i)

		if raw.Resource == "" {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".resource", Msg: "required"}
		}
		if raw.Resource != "*" && !identifierPattern.MatchString(raw.Resource) {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".resource", Msg: "invalid identifier"}
		}
		if len(raw.Actions) == 0 {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".actions", Msg: "at least one action required"}
		}

		rule := &types.PrincipalRule{Resource: raw.Resource}
		for j, rawAction := range raw.Actions {
			actionField := fmt.Sprintf("%s.actions[%d]", field, j)

			if err := validateActionName(rawAction.Action); err != nil {
				return &types.SchemaError{Policy: pol.Name, Field: actionField, Msg: err.Error()}
			}
			effect, err := parseEffect(rawAction.Effect)
			if err != nil {
				return &types.SchemaError{Policy: pol.Name, Field: actionField + ".effect", Msg: err.Error()}
			}
			if rawAction.Condition != "" {
				if _, err := v.conditions.Compile(rawAction.Condition); err != nil {
					return fmt.Errorf("policy %q: %s: %w", pol.Name, actionField, err)
				}
			}
			rule.Actions = append(rule.Actions, &types.PrincipalAction{
				Name:      rawAction.Action,
				Effect:    effect,
				Condition: rawAction.Condition,
			})
		}
		pp.Rules = append(pp.Rules, rule)
	}

	pol.Principal = pp
	return nil
}

func (v *Validator) validateDerivedRoles(doc *Document, pol *types.Policy) error {
	var spec derivedRolesSpec
	if err := doc.Spec.Decode(&spec); err != nil {
		return &types.SchemaError{Policy: pol.Name, Field: "spec", Msg: err.Error()}
	}

	if len(spec.Definitions) == 0 {
		return &types.SchemaError{Policy: pol.Name, Field: "spec.definitions", Msg: "at least one definition required"}
	}

	pol.Version = types.DefaultVersion
	dr := &types.DerivedRolesPolicy{}

	seen := make(map[string]bool)
	for i, raw := range spec.Definitions {
		field := fmt.Sprintf("spec.definitions[%d]", i)

		if raw.Name == "" {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".name", Msg: "required"}
		}
		if !identifierPattern.MatchString(raw.Name) {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".name", Msg: "invalid identifier"}
		}
		if seen[raw.Name] {
			return &types.SchemaError{Policy: pol.Name, Field: field + ".name", Msg: fmt.Sprintf("duplicate definition %q", raw.Name)}
		}
		seen[raw.Name] = true

		for _, parent := range raw.ParentRoles {
			if err := validatePattern(parent); err != nil {
				return &types.SchemaError{Policy: pol.Name, Field: field + ".parentRoles", Msg: err.Error()}
			}
		}

		if raw.Condition != "" {
			if _, err := v.conditions.Compile(raw.Condition); err != nil {
				return fmt.Errorf("policy %q: %s: %w", pol.Name, field, err)
			}
		}

		dr.Definitions = append(dr.Definitions, &types.RoleDefinition{
			Name:        raw.Name,
			ParentRoles: raw.ParentRoles,
			Condition:   raw.Condition,
		})
	}

	pol.DerivedRoles = dr
	return nil
}

// Warnings returns non-fatal findings for a validated policy, currently
// unreachable-rule detection: a deny rule whose actions are fully shadowed
// never changes the outcome because deny already overrides.
func (v *Validator) Warnings(pol *types.Policy) []string {
	if pol.Kind != types.KindResourcePolicy {
		return nil
	}

	var warnings []string
	rules := pol.Resource.Rules
	for i, rule := range rules {
		if rule.Effect != types.EffectAllow {
			continue
		}
		for j := 0; j < i; j++ {
			prev := rules[j]
			if prev.Effect == types.EffectDeny && prev.Condition == "" &&
				coversActions(prev.Actions, rule.Actions) && coversRoles(prev, rule) {
				warnings = append(warnings,
					fmt.Sprintf("rule %q is unreachable: rule %q denies the same actions unconditionally", rule.Name, prev.Name))
				break
			}
		}
	}
	return warnings
}

func coversActions(covering, covered []string) bool {
	for _, c := range covering {
		if c == "*" {
			return true
		}
	}
	for _, action := range covered {
		found := false
		for _, c := range covering {
			if c == action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func coversRoles(covering, covered *types.ResourceRule) bool {
	contains := func(haystack []string, needle string) bool {
		for _, h := range haystack {
			if h == needle {
				return true
			}
		}
		return false
	}
	for _, r := range covered.Roles {
		if !contains(covering.Roles, r) {
			return false
		}
	}
	for _, r := range covered.DerivedRoles {
		if !contains(covering.DerivedRoles, r) {
			return false
		}
	}
	return true
}

func parseEffect(s string) (types.Effect, error) {
	switch types.Effect(s) {
	case types.EffectAllow:
		return types.EffectAllow, nil
	case types.EffectDeny:
		return types.EffectDeny, nil
	default:
		return "", fmt.Errorf("invalid effect %q (must be %q or %q)", s, types.EffectAllow, types.EffectDeny)
	}
}

// validateActionName accepts a bare "*" or an identifier; "*" anywhere else
// is rejected. No regex syntax is exposed in action matching.
func validateActionName(action string) error {
	if action == "*" {
		return nil
	}
	if action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if strings.Contains(action, "*") {
		return fmt.Errorf("invalid action %q: wildcard only allowed as the whole action", action)
	}
	if !identifierPattern.MatchString(action) {
		return fmt.Errorf("invalid action %q", action)
	}
	return nil
}

// validatePattern accepts exact identifiers, "*", and "prefix:*".
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if pattern == "*" {
		return nil
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		if prefix == "" || strings.Contains(prefix, "*") {
			return fmt.Errorf("invalid pattern %q", pattern)
		}
		return nil
	}
	if strings.Contains(pattern, "*") {
		return fmt.Errorf("invalid pattern %q: wildcard only allowed as %q or a %q suffix", pattern, "*", ":*")
	}
	return nil
}

func normalizeVersion(version string) string {
	if version == "" {
		return types.DefaultVersion
	}
	return version
}
