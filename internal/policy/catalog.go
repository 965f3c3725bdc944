package policy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/authzd/authzd/internal/derivedroles"
	"github.com/authzd/authzd/internal/scope"
	"github.com/authzd/authzd/pkg/types"
)

// Catalog holds the active policy set behind an atomically swapped,
// immutable snapshot. Readers grab a snapshot once per decision and never
// block; writers serialize on a mutex, build a fresh snapshot, and publish
// it only if the whole batch validates. A failed load leaves the previous
// snapshot untouched.
type Catalog struct {
	logger    *zap.Logger
	validator *Validator

	mu       sync.Mutex // serializes writers
	snapshot atomic.Pointer[Snapshot]
	hooks    []func()
}

// NewCatalog creates an empty catalog.
func NewCatalog(validator *Validator, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{logger: logger, validator: validator}
	c.snapshot.Store(newSnapshot(nil))
	return c
}

// OnReplace registers a hook invoked after every successful catalog change.
// The decision cache registers its wholesale invalidation here.
func (c *Catalog) OnReplace(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Snapshot returns the current active snapshot. The returned value is
// immutable; a decision in flight keeps using it even if the catalog is
// replaced mid-decision.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// LoadPolicies validates and adds documents to the catalog. A document whose
// key (kind, name, scope, version) already exists replaces the previous
// policy. The swap is atomic: on any validation or cycle error nothing
// changes.
func (c *Catalog) LoadPolicies(docs []*Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.snapshot.Load()
	merged := make([]*types.Policy, 0, len(current.ordered)+len(docs))
	replaced := make(map[string]bool)

	validated, err := c.validateAll(docs)
	if err != nil {
		return err
	}
	for _, pol := range validated {
		replaced[pol.Key()] = true
	}
	for _, pol := range current.ordered {
		if !replaced[pol.Key()] {
			merged = append(merged, pol)
		}
	}
	merged = append(merged, validated...)

	return c.install(merged)
}

// ReplaceAll atomically replaces the entire catalog with the given
// documents.
func (c *Catalog) ReplaceAll(docs []*Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	validated, err := c.validateAll(docs)
	if err != nil {
		return err
	}
	return c.install(validated)
}

// Unload removes every policy whose metadata name matches.
func (c *Catalog) Unload(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.snapshot.Load()
	kept := make([]*types.Policy, 0, len(current.ordered))
	removed := 0
	for _, pol := range current.ordered {
		if pol.Name == name {
			removed++
			continue
		}
		kept = append(kept, pol)
	}
	if removed == 0 {
		return fmt.Errorf("policy not found: %s", name)
	}
	return c.install(kept)
}

// Get returns all policies sharing a metadata name.
func (c *Catalog) Get(name string) []*types.Policy {
	var out []*types.Policy
	for _, pol := range c.snapshot.Load().ordered {
		if pol.Name == name {
			out = append(out, pol)
		}
	}
	return out
}

// Count returns the number of active policies.
func (c *Catalog) Count() int {
	return len(c.snapshot.Load().ordered)
}

func (c *Catalog) validateAll(docs []*Document) ([]*types.Policy, error) {
	validated := make([]*types.Policy, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		pol, err := c.validator.Validate(doc)
		if err != nil {
			return nil, err
		}
		if seen[pol.Key()] {
			return nil, &types.SchemaError{Policy: pol.Name,
				Msg: fmt.Sprintf("duplicate policy %s in batch", pol.Key())}
		}
		seen[pol.Key()] = true

		for _, warning := range c.validator.Warnings(pol) {
			c.logger.Warn("Policy validation warning",
				zap.String("policy", pol.Name),
				zap.String("warning", warning),
			)
		}
		validated = append(validated, pol)
	}
	return validated, nil
}

// install builds and publishes a snapshot from the merged policy list.
// Caller holds c.mu.
func (c *Catalog) install(policies []*types.Policy) error {
	snap := newSnapshot(policies)

	if err := derivedroles.CheckCycles(snap.derived); err != nil {
		return err
	}

	c.snapshot.Store(snap)
	c.logger.Info("Catalog updated", zap.Int("policies", len(policies)))

	// Drop compiled programs for expressions no longer referenced by any
	// active policy; the validator recompiled (or cache-hit) everything the
	// new set needs during validation.
	c.validator.conditions.Prune(activeExpressions(policies))

	for _, hook := range c.hooks {
		hook()
	}
	return nil
}

// activeExpressions collects every condition expression referenced by the
// policy set.
func activeExpressions(policies []*types.Policy) map[string]bool {
	keep := make(map[string]bool)
	add := func(expr string) {
		if expr != "" {
			keep[expr] = true
		}
	}
	for _, pol := range policies {
		switch pol.Kind {
		case types.KindResourcePolicy:
			for _, rule := range pol.Resource.Rules {
				add(rule.Condition)
			}
		case types.KindPrincipalPolicy:
			for _, rule := range pol.Principal.Rules {
				for _, action := range rule.Actions {
					add(action.Condition)
				}
			}
		case types.KindDerivedRoles:
			for _, def := range pol.DerivedRoles.Definitions {
				add(def.Condition)
			}
		}
	}
	return keep
}

// Snapshot is an immutable, indexed view of the active policy set.
type Snapshot struct {
	policies map[string]*types.Policy
	ordered  []*types.Policy

	// resourceByKind holds default-version resource policies per kind,
	// ordered most specific scope first (ties keep load order).
	resourceByKind map[string][]*types.Policy
	// principalExact maps literal principal ids to their policies;
	// principalPatterns holds wildcard-bearing policies scanned linearly.
	// principalOrder preserves catalog order across the two structures.
	principalExact    map[string][]*types.Policy
	principalPatterns []*types.Policy
	principalOrder    map[string]int
	// derived holds DerivedRoles policies in load order.
	derived []*types.Policy
}

func newSnapshot(policies []*types.Policy) *Snapshot {
	snap := &Snapshot{
		policies:       make(map[string]*types.Policy, len(policies)),
		ordered:        policies,
		resourceByKind: make(map[string][]*types.Policy),
		principalExact: make(map[string][]*types.Policy),
		principalOrder: make(map[string]int),
	}

	for _, pol := range policies {
		snap.policies[pol.Key()] = pol

		if pol.Version != types.DefaultVersion {
			// Staged versions are addressable by key but do not take part
			// in decisions.
			continue
		}

		switch pol.Kind {
		case types.KindResourcePolicy:
			kind := pol.Resource.ResourceKind
			snap.resourceByKind[kind] = append(snap.resourceByKind[kind], pol)
		case types.KindPrincipalPolicy:
			snap.principalOrder[pol.Key()] = len(snap.principalOrder)
			if pol.Principal.IsExact() {
				id := pol.Principal.PrincipalPattern
				snap.principalExact[id] = append(snap.principalExact[id], pol)
			} else {
				snap.principalPatterns = append(snap.principalPatterns, pol)
			}
		case types.KindDerivedRoles:
			snap.derived = append(snap.derived, pol)
		}
	}

	for kind := range snap.resourceByKind {
		list := snap.resourceByKind[kind]
		sort.SliceStable(list, func(i, j int) bool {
			return scope.Specificity(list[i].Scope) > scope.Specificity(list[j].Scope)
		})
	}

	return snap
}

// ResourcePoliciesFor returns the resource policies applicable to a kind at
// the request scope, most specific scope first.
func (s *Snapshot) ResourcePoliciesFor(kind, requestScope string) []*types.Policy {
	candidates := s.resourceByKind[kind]
	out := make([]*types.Policy, 0, len(candidates))
	for _, pol := range candidates {
		if scope.IsAncestorOrSelf(pol.Scope, requestScope) {
			out = append(out, pol)
		}
	}
	return out
}

// PrincipalPoliciesFor returns the principal policies whose pattern matches
// the principal id and whose scope applies, in catalog order.
func (s *Snapshot) PrincipalPoliciesFor(principalID, requestScope string) []*types.Policy {
	var out []*types.Policy
	for _, pol := range s.principalExact[principalID] {
		if scope.IsAncestorOrSelf(pol.Scope, requestScope) {
			out = append(out, pol)
		}
	}
	for _, pol := range s.principalPatterns {
		if pol.Principal.MatchesPrincipal(principalID) && scope.IsAncestorOrSelf(pol.Scope, requestScope) {
			out = append(out, pol)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.principalOrder[out[i].Key()] < s.principalOrder[out[j].Key()]
	})
	return out
}

// DerivedRoleSets returns the DerivedRoles policies applicable at the
// request scope, in load order.
func (s *Snapshot) DerivedRoleSets(requestScope string) []*types.Policy {
	out := make([]*types.Policy, 0, len(s.derived))
	for _, pol := range s.derived {
		if scope.IsAncestorOrSelf(pol.Scope, requestScope) {
			out = append(out, pol)
		}
	}
	return out
}

// Policies returns every active policy in load order.
func (s *Snapshot) Policies() []*types.Policy {
	return s.ordered
}

// Lookup finds a policy by its unique key.
func (s *Snapshot) Lookup(key string) (*types.Policy, bool) {
	pol, ok := s.policies[key]
	return pol, ok
}
