package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/internal/policy"
	"github.com/authzd/authzd/pkg/types"
)

const testPolicies = `
apiVersion: authz/v1
kind: DerivedRoles
metadata:
  name: common-roles
spec:
  definitions:
    - name: owner
      parentRoles: ["user"]
      condition: 'R.attr.owner == P.id'
---
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: document-policy
spec:
  resource: document
  rules:
    - name: owner-full-access
      actions: ["view", "edit", "delete"]
      effect: allow
      derivedRoles: ["owner"]
    - name: viewer-read
      actions: ["view"]
      effect: allow
      roles: ["viewer"]
    - name: admin-everything
      actions: ["*"]
      effect: allow
      roles: ["admin"]
    - name: block-archived
      actions: ["edit", "delete"]
      effect: deny
      roleIndependent: true
      condition: 'R.attr.archived == true'
---
apiVersion: authz/v1
kind: PrincipalPolicy
metadata:
  name: mallory-lockout
spec:
  principal: mallory
  rules:
    - resource: "*"
      actions:
        - action: "*"
          effect: deny
`

type testHarness struct {
	engine  *Engine
	catalog *policy.Catalog
	cond    *conditions.Engine
}

func newHarness(t *testing.T, cacheEnabled bool, condOpts ...conditions.Option) *testHarness {
	t.Helper()

	cond, err := conditions.NewEngine(condOpts...)
	require.NoError(t, err)

	catalog := policy.NewCatalog(policy.NewValidator(cond), nil)
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(testPolicies))
	require.NoError(t, err)
	require.NoError(t, catalog.ReplaceAll(docs))

	cfg := DefaultConfig()
	cfg.CacheEnabled = cacheEnabled
	cfg.Cache.SweepInterval = 0

	eng, err := New(cfg, catalog, cond, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	return &testHarness{engine: eng, catalog: catalog, cond: cond}
}

func docRequest(principalID string, roles []string, actions ...string) *types.CheckRequest {
	return &types.CheckRequest{
		Principal: &types.Principal{ID: principalID, Roles: roles},
		Resource: &types.Resource{
			Kind: "document",
			ID:   "doc-1",
			Attr: map[string]types.Value{"owner": types.String("alice")},
		},
		Actions: actions,
	}
}

func TestCheckOwnerCanDelete(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "delete"))
	require.NoError(t, err)

	result := resp.Results["delete"]
	assert.Equal(t, types.EffectAllow, result.Effect)
	assert.Equal(t, "document-policy", result.Policy)
	assert.Equal(t, "owner-full-access", result.Rule)
	assert.True(t, result.Matched)
	require.NotNil(t, result.Meta)
	assert.Contains(t, result.Meta.DerivedRoles, "owner")
}

func TestCheckNonOwnerImplicitDeny(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("bob", []string{"user"}, "delete"))
	require.NoError(t, err)

	result := resp.Results["delete"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, types.NoMatchPolicy, result.Policy)
	assert.False(t, result.Matched)
}

func TestCheckPrincipalOverrideBeatsResourceAllow(t *testing.T) {
	h := newHarness(t, false)

	// mallory is an admin, so the resource layer would allow everything;
	// the principal lockout decides first.
	resp, err := h.engine.Check(context.Background(), docRequest("mallory", []string{"admin"}, "view"))
	require.NoError(t, err)

	result := resp.Results["view"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, "mallory-lockout", result.Policy)
	assert.True(t, result.Matched)
}

func TestCheckAdminWildcardAction(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("carol", []string{"admin"}, "publish"))
	require.NoError(t, err)

	result := resp.Results["publish"]
	assert.Equal(t, types.EffectAllow, result.Effect)
	assert.Equal(t, "admin-everything", result.Rule)
}

func TestCheckDenyOverridesAllow(t *testing.T) {
	h := newHarness(t, false)

	req := docRequest("alice", []string{"user"}, "edit")
	req.Resource.Attr["archived"] = types.Bool(true)

	resp, err := h.engine.Check(context.Background(), req)
	require.NoError(t, err)

	// Owner rule allows, but the role-independent archived deny wins even
	// though it appears later in the policy.
	result := resp.Results["edit"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, "block-archived", result.Rule)
}

func TestCheckMultiActionMixedResults(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("dave", []string{"viewer"}, "view", "edit"))
	require.NoError(t, err)

	assert.Equal(t, types.EffectAllow, resp.Results["view"].Effect)
	assert.Equal(t, types.EffectDeny, resp.Results["edit"].Effect)
}

func TestCheckEmptyActions(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}))
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestCheckMalformedRequestDeniesAll(t *testing.T) {
	h := newHarness(t, false)

	req := docRequest("", nil, "view")
	resp, err := h.engine.Check(context.Background(), req)
	require.NoError(t, err)

	result := resp.Results["view"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, types.NoMatchPolicy, result.Policy)
	require.NotNil(t, result.Meta)
	require.NotEmpty(t, result.Meta.Annotations)
	assert.Contains(t, result.Meta.Annotations[0], "engine_error")
}

func TestCheckFillsRequestID(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "view"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)

	req := docRequest("alice", []string{"user"}, "view")
	req.RequestID = "req-42"
	resp, err = h.engine.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestCheckExpiredContextTimeoutDeny(t *testing.T) {
	h := newHarness(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.engine.Check(ctx, docRequest("alice", []string{"user"}, "view", "edit"))
	require.NoError(t, err)

	for _, action := range []string{"view", "edit"} {
		result := resp.Results[action]
		assert.Equal(t, types.EffectDeny, result.Effect)
		require.NotNil(t, result.Meta, action)
		assert.Contains(t, result.Meta.Annotations, "timeout")
	}

	// Timeout denials are not cached: a healthy request gets a fresh
	// evaluation.
	resp, err = h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "view", "edit"))
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["view"].Effect)
}

func TestCheckCacheHitFlag(t *testing.T) {
	h := newHarness(t, true)

	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "view"))
	require.NoError(t, err)
	require.NotNil(t, resp.Meta)
	assert.False(t, resp.Meta.CacheHit)

	resp, err = h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "view"))
	require.NoError(t, err)
	require.NotNil(t, resp.Meta)
	assert.True(t, resp.Meta.CacheHit)
	assert.Equal(t, types.EffectAllow, resp.Results["view"].Effect)
}

func TestCheckCacheInvalidatedOnCatalogChange(t *testing.T) {
	h := newHarness(t, true)

	req := docRequest("dave", []string{"viewer"}, "view")
	resp, err := h.engine.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["view"].Effect)

	// Replace the catalog with one that denies viewers.
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(`
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: document-policy
spec:
  resource: document
  rules:
    - actions: ["view"]
      effect: deny
      roles: ["viewer"]
`))
	require.NoError(t, err)
	require.NoError(t, h.catalog.ReplaceAll(docs))

	resp, err = h.engine.Check(context.Background(), docRequest("dave", []string{"viewer"}, "view"))
	require.NoError(t, err)
	assert.False(t, resp.Meta.CacheHit)
	assert.Equal(t, types.EffectDeny, resp.Results["view"].Effect)
}

func TestCheckRejectedReloadKeepsServing(t *testing.T) {
	h := newHarness(t, true)

	cyclic, err := policy.NewLoader(nil).ParseDocuments([]byte(`
apiVersion: authz/v1
kind: DerivedRoles
metadata:
  name: cyclic-roles
spec:
  definitions:
    - name: a
      parentRoles: ["b"]
    - name: b
      parentRoles: ["a"]
`))
	require.NoError(t, err)
	require.Error(t, h.catalog.LoadPolicies(cyclic))

	// Decisions keep flowing against the prior catalog.
	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "delete"))
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["delete"].Effect)
}

func TestCheckConcurrentIdenticalCoalesce(t *testing.T) {
	var evals atomic.Int32
	counted := cel.Function("counted",
		cel.Overload("counted_string", []*cel.Type{cel.StringType}, cel.BoolType,
			cel.UnaryBinding(func(arg ref.Val) ref.Val {
				evals.Add(1)
				return celtypes.True
			}),
		),
	)

	cond, err := conditions.NewEngine(conditions.WithFunction(counted))
	require.NoError(t, err)

	catalog := policy.NewCatalog(policy.NewValidator(cond), nil)
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(`
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: counted-policy
spec:
  resource: document
  rules:
    - actions: ["view"]
      effect: allow
      roles: ["viewer"]
      condition: 'counted(P.id)'
`))
	require.NoError(t, err)
	require.NoError(t, catalog.ReplaceAll(docs))
	evals.Store(0) // compilation does not evaluate, but stay explicit

	cfg := DefaultConfig()
	cfg.Cache.SweepInterval = 0
	eng, err := New(cfg, catalog, cond, nil)
	require.NoError(t, err)
	defer eng.Close()

	const workers = 100
	var wg sync.WaitGroup
	allowed := atomic.Int32{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := eng.Check(context.Background(), docRequest("dave", []string{"viewer"}, "view"))
			assert.NoError(t, err)
			if resp.Results["view"].Effect == types.EffectAllow {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(workers), allowed.Load())
	// All identical in-flight requests share one evaluation.
	assert.Equal(t, int32(1), evals.Load())
}

func TestCheckBatch(t *testing.T) {
	h := newHarness(t, false)

	requests := []*types.CheckRequest{
		docRequest("alice", []string{"user"}, "delete"),
		docRequest("bob", []string{"user"}, "delete"),
	}
	responses, err := h.engine.CheckBatch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	assert.Equal(t, types.EffectAllow, responses[0].Results["delete"].Effect)
	assert.Equal(t, types.EffectDeny, responses[1].Results["delete"].Effect)
}

func TestCheckScopedPolicies(t *testing.T) {
	cond, err := conditions.NewEngine()
	require.NoError(t, err)

	catalog := policy.NewCatalog(policy.NewValidator(cond), nil)
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(`
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: root-policy
spec:
  resource: document
  rules:
    - actions: ["view"]
      effect: allow
      roles: ["viewer"]
---
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: eng-policy
  scope: acme.eng
spec:
  resource: document
  rules:
    - actions: ["view"]
      effect: deny
      roles: ["viewer"]
`))
	require.NoError(t, err)
	require.NoError(t, catalog.ReplaceAll(docs))

	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	eng, err := New(cfg, catalog, cond, nil)
	require.NoError(t, err)
	defer eng.Close()

	// Inside acme.eng the scoped deny applies in addition to the root
	// policy, and deny wins.
	req := docRequest("dave", []string{"viewer"}, "view")
	req.Resource.Scope = "acme.eng"
	resp, err := eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["view"].Effect)
	assert.Equal(t, "eng-policy", resp.Results["view"].Policy)

	// Outside that scope only the root allow applies.
	req = docRequest("dave", []string{"viewer"}, "view")
	req.Resource.Scope = "acme.sales"
	resp, err = eng.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.EffectAllow, resp.Results["view"].Effect)
}

func TestCheckConditionErrorTreatedAsNonMatch(t *testing.T) {
	cond, err := conditions.NewEngine()
	require.NoError(t, err)

	catalog := policy.NewCatalog(policy.NewValidator(cond), nil)
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(`
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: fragile-policy
spec:
  resource: document
  rules:
    - name: needs-attr
      actions: ["view"]
      effect: allow
      roles: ["viewer"]
      condition: 'R.attr.classification == "public"'
`))
	require.NoError(t, err)
	require.NoError(t, catalog.ReplaceAll(docs))

	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	eng, err := New(cfg, catalog, cond, nil)
	require.NoError(t, err)
	defer eng.Close()

	// The resource lacks the attribute: the rule errors, is treated as
	// non-matching, and the trace carries the classified error.
	req := &types.CheckRequest{
		Principal: &types.Principal{ID: "dave", Roles: []string{"viewer"}},
		Resource:  &types.Resource{Kind: "document", ID: "doc-1"},
		Actions:   []string{"view"},
	}
	resp, err := eng.Check(context.Background(), req)
	require.NoError(t, err)

	result := resp.Results["view"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, types.NoMatchPolicy, result.Policy)
	require.NotNil(t, result.Meta)
	require.NotEmpty(t, result.Meta.Conditions)

	found := false
	for _, trace := range result.Meta.Conditions {
		if trace.Rule == "needs-attr" && trace.Outcome == "error:UndefinedError" {
			found = true
		}
	}
	assert.True(t, found, "expected classified error trace, got %+v", result.Meta.Conditions)
}

func TestCheckResponseTimingMeta(t *testing.T) {
	h := newHarness(t, false)

	start := time.Now()
	resp, err := h.engine.Check(context.Background(), docRequest("alice", []string{"user"}, "view"))
	require.NoError(t, err)
	require.NotNil(t, resp.Meta)

	assert.GreaterOrEqual(t, resp.Meta.EvaluationDurationMs, 0.0)
	assert.Less(t, resp.Meta.EvaluationDurationMs, float64(time.Since(start).Milliseconds()+1000))
	assert.Contains(t, resp.Meta.PoliciesEvaluated, "document-policy")
}
