// Package types provides shared types for the authorization decision core.
package types

// Effect represents the authorization decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// NoMatchPolicy is the policy identifier reported for implicit denials.
const NoMatchPolicy = "__no_match__"

// Principal represents the entity requesting access.
type Principal struct {
	ID    string           `json:"id"`
	Roles []string         `json:"roles"`
	Attr  map[string]Value `json:"attr,omitempty"`
	Scope string           `json:"scope,omitempty"` // hierarchical, e.g. "acme.corp.eng"
}

// HasRole checks if the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToMap converts the principal to the map form used during condition
// evaluation.
func (p *Principal) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":    p.ID,
		"roles": p.Roles,
		"attr":  NativeMap(p.Attr),
		"scope": p.Scope,
	}
}

// Resource represents the resource being accessed.
type Resource struct {
	Kind  string           `json:"kind"`
	ID    string           `json:"id"`
	Attr  map[string]Value `json:"attr,omitempty"`
	Scope string           `json:"scope,omitempty"`
}

// ToMap converts the resource to the map form used during condition
// evaluation.
func (r *Resource) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"kind":  r.Kind,
		"id":    r.ID,
		"attr":  NativeMap(r.Attr),
		"scope": r.Scope,
	}
}

// CheckRequest represents an authorization check request.
type CheckRequest struct {
	RequestID string           `json:"requestId,omitempty"`
	Principal *Principal       `json:"principal"`
	Resource  *Resource        `json:"resource"`
	Actions   []string         `json:"actions"`
	AuxData   map[string]Value `json:"auxData,omitempty"`
}

// EffectiveScope determines which scope governs policy resolution for the
// request. Resource scope takes precedence over principal scope.
func (r *CheckRequest) EffectiveScope() string {
	if r.Resource != nil && r.Resource.Scope != "" {
		return r.Resource.Scope
	}
	if r.Principal != nil && r.Principal.Scope != "" {
		return r.Principal.Scope
	}
	return ""
}

// CheckResponse contains the per-action authorization decisions.
type CheckResponse struct {
	RequestID string                  `json:"requestId"`
	Results   map[string]ActionResult `json:"results"`
	Meta      *ResponseMeta           `json:"meta,omitempty"`
}

// ActionResult contains the decision for a single action.
type ActionResult struct {
	Effect  Effect      `json:"effect"`
	Policy  string      `json:"policy"`
	Rule    string      `json:"rule,omitempty"`
	Matched bool        `json:"matched"`
	Meta    *ActionMeta `json:"meta,omitempty"`
}

// IsAllowed returns true if the effect is allow.
func (r *ActionResult) IsAllowed() bool {
	return r.Effect == EffectAllow
}

// ActionMeta carries the evaluation trace for a single action.
type ActionMeta struct {
	DerivedRoles []string         `json:"derivedRoles,omitempty"`
	Conditions   []ConditionTrace `json:"conditions,omitempty"`
	Annotations  []string         `json:"annotations,omitempty"`
}

// ConditionTrace records the outcome of a single condition evaluation.
type ConditionTrace struct {
	Policy  string `json:"policy"`
	Rule    string `json:"rule,omitempty"`
	Outcome string `json:"outcome"` // "true", "false", or "error:<kind>"
}

// ResponseMeta contains evaluation details for the whole request.
type ResponseMeta struct {
	EvaluationDurationMs float64  `json:"evaluationDurationMs"`
	PoliciesEvaluated    []string `json:"policiesEvaluated,omitempty"`
	CacheHit             bool     `json:"cacheHit"`
}
