// Package engine provides the core authorization decision engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authzd/authzd/internal/auxdata"
	"github.com/authzd/authzd/internal/cache"
	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/internal/derivedroles"
	"github.com/authzd/authzd/internal/metrics"
	"github.com/authzd/authzd/internal/policy"
	"github.com/authzd/authzd/pkg/types"
)

// Config configures the decision engine.
type Config struct {
	// CacheEnabled enables the decision cache.
	CacheEnabled bool
	// Cache configures capacity, TTL, eviction, and sweep.
	Cache cache.Config
	// AuxData configures auxData extraction (JWT verification).
	AuxData auxdata.Config
	// Metrics receives instrumentation when non-nil.
	Metrics *metrics.Metrics
	// L2 attaches a Redis mirror to the decision cache.
	L2 *cache.RedisCache
}

// errBuildTimeout marks a decision build cut short by the context deadline.
var errBuildTimeout = errors.New("decision build timed out")

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheEnabled: true,
		Cache:        cache.DefaultConfig(),
	}
}

// Engine evaluates authorization check requests against the active policy
// catalog. Safe for concurrent use; one engine instance serves all callers.
type Engine struct {
	catalog    *policy.Catalog
	conditions *conditions.Engine
	derived    *derivedroles.Resolver
	cache      *cache.DecisionCache
	aux        *auxdata.Extractor
	principals *principalEvaluator
	resources  *resourceEvaluator
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a decision engine. The condition engine must be the one the
// catalog's validator compiles against, so load-time compiled programs are
// reused at evaluation time.
func New(cfg Config, catalog *policy.Catalog, cond *conditions.Engine, logger *zap.Logger) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cond == nil {
		return nil, fmt.Errorf("condition engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		catalog:    catalog,
		conditions: cond,
		derived:    derivedroles.NewResolver(cond, logger),
		aux:        auxdata.NewExtractor(cfg.AuxData, logger),
		principals: &principalEvaluator{conditions: cond},
		resources:  &resourceEvaluator{conditions: cond},
		metrics:    cfg.Metrics,
		logger:     logger,
	}

	if cfg.CacheEnabled {
		e.cache = cache.New(cfg.Cache)
		if cfg.L2 != nil {
			e.cache.WithL2(cfg.L2)
		}
		// A catalog change invalidates every cached decision wholesale.
		catalog.OnReplace(e.cache.Invalidate)
	}
	if e.metrics != nil {
		catalog.OnReplace(func() {
			e.metrics.PoliciesActive.Set(float64(catalog.Count()))
		})
	}

	return e, nil
}

// Check evaluates an authorization request. The response is always
// well-formed: runtime failures degrade to implicit deny with trace
// annotations, never to an error. The context deadline bounds evaluation;
// actions not yet evaluated at expiry are denied with a timeout annotation.
func (e *Engine) Check(ctx context.Context, req *types.CheckRequest) (*types.CheckResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if len(req.Actions) == 0 {
		return &types.CheckResponse{
			RequestID: requestID,
			Results:   map[string]types.ActionResult{},
			Meta:      &types.ResponseMeta{EvaluationDurationMs: durationMs(start)},
		}, nil
	}

	if err := validateRequest(req); err != nil {
		e.logger.Warn("Malformed check request", zap.String("requestId", requestID), zap.Error(err))
		return e.denyAll(req, requestID, start, "engine_error:"+err.Error()), nil
	}

	if e.cache == nil || ctx.Err() != nil {
		resp := e.evaluate(ctx, req, requestID, start)
		e.observe(resp, start)
		return resp, nil
	}

	fingerprint := req.Fingerprint()
	resp, hit, err := e.cache.GetOrBuild(ctx, fingerprint, func() (*types.CheckResponse, error) {
		built := e.evaluate(ctx, req, requestID, start)
		if ctx.Err() != nil {
			// Deadline hit mid-build: the partial result must not be
			// cached for the fingerprint's TTL.
			return nil, errBuildTimeout
		}
		return built, nil
	})
	if errors.Is(err, errBuildTimeout) {
		resp := e.evaluate(ctx, req, requestID, start)
		e.observe(resp, start)
		return resp, nil
	}
	if err != nil {
		// Single-flight surfaced a peer failure; fail closed.
		e.logger.Error("Decision build failed", zap.String("requestId", requestID), zap.Error(err))
		return e.denyAll(req, requestID, start, "engine_error:decision_build_failed"), nil
	}

	if e.metrics != nil {
		if hit {
			e.metrics.CacheHits.Inc()
		} else {
			e.metrics.CacheMisses.Inc()
		}
	}
	if !hit {
		e.observe(resp, start)
		return resp, nil
	}

	// Cached responses are immutable; flag the hit on a copied meta.
	return withCacheHit(resp, requestID), nil
}

// CheckBatch evaluates multiple requests concurrently.
func (e *Engine) CheckBatch(ctx context.Context, requests []*types.CheckRequest) ([]*types.CheckResponse, error) {
	responses := make([]*types.CheckResponse, len(requests))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, req := range requests {
		wg.Add(1)
		go func(idx int, r *types.CheckRequest) {
			defer wg.Done()

			resp, err := e.Check(ctx, r)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			responses[idx] = resp
		}(i, req)
	}

	wg.Wait()
	return responses, firstErr
}

// evaluate performs one full decision build against the current snapshot.
// The snapshot reference is taken once, so a concurrent catalog replacement
// does not affect a decision in flight.
func (e *Engine) evaluate(ctx context.Context, req *types.CheckRequest, requestID string, start time.Time) *types.CheckResponse {
	snap := e.catalog.Snapshot()
	requestScope := req.EffectiveScope()

	auxMap, auxAnnotations := e.aux.Extract(req.AuxData)

	derived := e.derived.Resolve(ctx, req.Principal, req.Resource, auxMap, snap.DerivedRoleSets(requestScope))

	effectiveRoles := make(map[string]bool, len(req.Principal.Roles)+len(derived.Roles))
	for _, role := range req.Principal.Roles {
		effectiveRoles[role] = true
	}
	activatedDerived := make(map[string]bool, len(derived.Roles))
	for _, role := range derived.Roles {
		effectiveRoles[role] = true
		activatedDerived[role] = true
	}

	evalCtx := &conditions.EvalContext{
		Principal: req.Principal.ToMap(),
		Resource:  req.Resource.ToMap(),
		Request: map[string]interface{}{
			"id":      requestID,
			"actions": req.Actions,
			"time":    start,
		},
		AuxData: auxMap,
	}

	principalPolicies := snap.PrincipalPoliciesFor(req.Principal.ID, requestScope)
	resourcePolicies := snap.ResourcePoliciesFor(req.Resource.Kind, requestScope)

	evaluated := make([]string, 0, len(principalPolicies)+len(resourcePolicies))
	for _, pol := range principalPolicies {
		evaluated = append(evaluated, pol.Name)
	}
	for _, pol := range resourcePolicies {
		evaluated = append(evaluated, pol.Name)
	}

	results := make(map[string]types.ActionResult, len(req.Actions))
	for _, action := range req.Actions {
		if _, done := results[action]; done {
			// Duplicate actions evaluate identically.
			continue
		}

		if ctx.Err() != nil {
			results[action] = timeoutDeny(derived.Roles)
			continue
		}

		result, decided := e.principals.Evaluate(ctx, principalPolicies, req.Resource.Kind, action, evalCtx)
		if !decided {
			var principalTrace []types.ConditionTrace
			if result.Meta != nil {
				principalTrace = result.Meta.Conditions
			}
			result = e.resources.Evaluate(ctx, resourcePolicies, action, effectiveRoles, activatedDerived, evalCtx)
			if len(principalTrace) > 0 {
				if result.Meta == nil {
					result.Meta = &types.ActionMeta{}
				}
				result.Meta.Conditions = append(principalTrace, result.Meta.Conditions...)
			}
		}

		e.annotate(&result, derived, auxAnnotations)
		results[action] = result
	}

	return &types.CheckResponse{
		RequestID: requestID,
		Results:   results,
		Meta: &types.ResponseMeta{
			EvaluationDurationMs: durationMs(start),
			PoliciesEvaluated:    evaluated,
		},
	}
}

// annotate attaches the derived roles in effect and any auxData annotations
// to an action's trace.
func (e *Engine) annotate(result *types.ActionResult, derived *derivedroles.Result, auxAnnotations []string) {
	if len(derived.Roles) == 0 && len(derived.Trace) == 0 && len(auxAnnotations) == 0 {
		return
	}
	if result.Meta == nil {
		result.Meta = &types.ActionMeta{}
	}
	result.Meta.DerivedRoles = derived.Roles
	result.Meta.Conditions = append(derived.Trace, result.Meta.Conditions...)
	result.Meta.Annotations = append(result.Meta.Annotations, auxAnnotations...)

	if e.metrics != nil {
		for _, trace := range result.Meta.Conditions {
			if kind, ok := errorOutcome(trace.Outcome); ok {
				e.metrics.EvalErrors.WithLabelValues(kind).Inc()
			}
		}
	}
}

func errorOutcome(outcome string) (string, bool) {
	const prefix = "error:"
	if len(outcome) > len(prefix) && outcome[:len(prefix)] == prefix {
		return outcome[len(prefix):], true
	}
	return "", false
}

// denyAll answers implicit deny for every action with an annotation. Used
// for malformed requests and internal failures: on any doubt, the answer
// is deny.
func (e *Engine) denyAll(req *types.CheckRequest, requestID string, start time.Time, annotation string) *types.CheckResponse {
	results := make(map[string]types.ActionResult, len(req.Actions))
	for _, action := range req.Actions {
		results[action] = types.ActionResult{
			Effect: types.EffectDeny,
			Policy: types.NoMatchPolicy,
			Meta:   &types.ActionMeta{Annotations: []string{annotation}},
		}
	}
	return &types.CheckResponse{
		RequestID: requestID,
		Results:   results,
		Meta:      &types.ResponseMeta{EvaluationDurationMs: durationMs(start)},
	}
}

func timeoutDeny(derivedRoles []string) types.ActionResult {
	return types.ActionResult{
		Effect: types.EffectDeny,
		Policy: types.NoMatchPolicy,
		Meta: &types.ActionMeta{
			DerivedRoles: derivedRoles,
			Annotations:  []string{"timeout"},
		},
	}
}

func (e *Engine) observe(resp *types.CheckResponse, start time.Time) {
	if e.metrics == nil {
		return
	}
	for _, result := range resp.Results {
		e.metrics.ChecksTotal.WithLabelValues(string(result.Effect)).Inc()
	}
	e.metrics.CheckDuration.Observe(time.Since(start).Seconds())
}

// withCacheHit returns a copy of a cached response flagged as a hit. The
// cached entry itself is never mutated.
func withCacheHit(resp *types.CheckResponse, requestID string) *types.CheckResponse {
	out := *resp
	out.RequestID = requestID
	meta := types.ResponseMeta{CacheHit: true}
	if resp.Meta != nil {
		meta.EvaluationDurationMs = resp.Meta.EvaluationDurationMs
		meta.PoliciesEvaluated = resp.Meta.PoliciesEvaluated
	}
	out.Meta = &meta
	return &out
}

// ClearCache drops all cached decisions.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Invalidate()
	}
}

// CacheStats returns decision-cache statistics, or nil when disabled.
func (e *Engine) CacheStats() *cache.Stats {
	if e.cache == nil {
		return nil
	}
	stats := e.cache.Stats()
	return &stats
}

// Catalog returns the policy catalog backing the engine.
func (e *Engine) Catalog() *policy.Catalog {
	return e.catalog
}

// Close stops background work (cache sweep).
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

func validateRequest(req *types.CheckRequest) error {
	if req.Principal == nil || req.Principal.ID == "" {
		return fmt.Errorf("principal id is required")
	}
	if req.Resource == nil || req.Resource.Kind == "" {
		return fmt.Errorf("resource kind is required")
	}
	return nil
}

func durationMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
