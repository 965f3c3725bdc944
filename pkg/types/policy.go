package types

import (
	"fmt"
	"strings"
)

// PolicyKind discriminates the three policy variants.
type PolicyKind string

const (
	KindResourcePolicy  PolicyKind = "ResourcePolicy"
	KindPrincipalPolicy PolicyKind = "PrincipalPolicy"
	KindDerivedRoles    PolicyKind = "DerivedRoles"
)

// DefaultVersion is the policy version the engine evaluates. Policies with
// an empty version normalize to it at validation time.
const DefaultVersion = "default"

// Policy is a validated policy. Exactly one of the three arms is non-nil,
// matching Kind. Raw documents become policies only through the validator.
type Policy struct {
	Kind    PolicyKind
	Name    string
	Scope   string
	Version string

	Resource     *ResourcePolicy
	Principal    *PrincipalPolicy
	DerivedRoles *DerivedRolesPolicy
}

// Key uniquely identifies a policy within the catalog.
func (p *Policy) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", p.Kind, p.Name, p.Scope, p.Version)
}

// ResourcePolicy holds ordered rules over one resource kind.
type ResourcePolicy struct {
	ResourceKind string
	Rules        []*ResourceRule
}

// ResourceRule is a single resource-policy rule.
type ResourceRule struct {
	Name            string
	Actions         []string
	Effect          Effect
	Roles           []string
	DerivedRoles    []string
	Condition       string
	RoleIndependent bool
}

// MatchesAction checks if the rule applies to an action.
func (r *ResourceRule) MatchesAction(action string) bool {
	for _, a := range r.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// PrincipalPolicy holds per-resource override rules for principals matching
// a pattern.
type PrincipalPolicy struct {
	PrincipalPattern string
	Rules            []*PrincipalRule
}

// MatchesPrincipal checks the policy's principal pattern against an id using
// the same exact / "*" / "prefix:*" rules as derived-role parent matching.
func (p *PrincipalPolicy) MatchesPrincipal(id string) bool {
	return RoleMatchesPattern(id, p.PrincipalPattern)
}

// IsExact reports whether the principal pattern is a literal id.
func (p *PrincipalPolicy) IsExact() bool {
	return p.PrincipalPattern != "*" && !strings.HasSuffix(p.PrincipalPattern, ":*")
}

// PrincipalRule groups action overrides for one resource kind (or "*").
type PrincipalRule struct {
	Resource string
	Actions  []*PrincipalAction
}

// MatchesResource checks if the rule applies to a resource kind.
func (r *PrincipalRule) MatchesResource(kind string) bool {
	return r.Resource == "*" || r.Resource == kind
}

// PrincipalAction is a single action override within a principal policy.
type PrincipalAction struct {
	Name      string
	Effect    Effect
	Condition string
}

// MatchesAction checks if the override applies to an action.
func (a *PrincipalAction) MatchesAction(action string) bool {
	return a.Name == "*" || a.Name == action
}

// DerivedRolesPolicy holds an ordered set of derived-role definitions.
type DerivedRolesPolicy struct {
	Definitions []*RoleDefinition
}

// RoleDefinition computes an extra role from parent roles and a condition.
type RoleDefinition struct {
	Name        string
	ParentRoles []string
	Condition   string
}

// MatchesParents checks whether the principal's roles satisfy the parent
// requirements. Entries are a disjunction: any match suffices.
//
//   - "*" matches any principal carrying at least one role
//   - "x:*" matches any role of the form "x:<suffix>"
//   - "x" matches exactly "x"
//   - an empty ParentRoles list matches unconditionally (public role)
func (d *RoleDefinition) MatchesParents(roles []string) bool {
	if len(d.ParentRoles) == 0 {
		return true
	}
	for _, pattern := range d.ParentRoles {
		if pattern == "*" {
			if len(roles) > 0 {
				return true
			}
			continue
		}
		for _, role := range roles {
			if RoleMatchesPattern(role, pattern) {
				return true
			}
		}
	}
	return false
}

// RoleMatchesPattern checks a role (or principal id) against a pattern.
// Supported forms: exact, "*", and "prefix:*" with a literal colon.
func RoleMatchesPattern(role, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		return strings.HasPrefix(role, prefix+":")
	}
	return role == pattern
}
